// Package processor wires the alerting service together: threshold table,
// membership filter, config ingest, classifier, alert emitter and the HTTP
// surface. It owns every component's lifecycle.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/red2n/alerts/internal/alerts"
	"github.com/red2n/alerts/internal/bloom"
	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/engine"
	"github.com/red2n/alerts/internal/fallback"
	"github.com/red2n/alerts/internal/handlers"
	"github.com/red2n/alerts/internal/ingest"
	"github.com/red2n/alerts/internal/kafka"
	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/middleware"
	"github.com/red2n/alerts/internal/table"
)

const shutdownTimeout = 10 * time.Second

// Processor is the composition root of the alerting service.
type Processor struct {
	cfg        *config.Config
	configPath string
	nodeID     string

	store    *table.Store
	filter   *bloom.Filter
	producer *kafka.Producer
	emitter  *alerts.Emitter
	fallback *fallback.Store
	engine   *engine.Engine
	ingest   *ingest.Loop

	httpServer *http.Server
}

// Option configures a Processor.
type Option func(*Processor)

// WithConfigPath enables live reload of the log level from path.
func WithConfigPath(path string) Option {
	return func(p *Processor) { p.configPath = path }
}

// New constructs a Processor with given config.
func New(cfg *config.Config, opts ...Option) *Processor {
	p := &Processor{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.nodeID == "" {
		p.nodeID, _ = os.Hostname()
		if p.nodeID == "" {
			p.nodeID = "unknown"
		}
	}
	return p
}

// Run builds every component, serves until ctx is cancelled and then shuts
// down in dependency order.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Str("node", p.nodeID).Msg("processor starting")

	if err := p.init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		p.close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.ingest.Run(gctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("stopping HTTP server")
		if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})

	if p.configPath != "" {
		g.Go(func() error {
			if err := config.Watch(gctx, p.configPath, p.applyConfig); err != nil {
				log.Warn().Err(err).Msg("config watch disabled")
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("processor component failed")
	} else {
		log.Info().Msg("shutdown signal received")
	}

	p.close()
	return err
}

// init builds the component graph. The table recovers and seeds the filter
// before anything can read from it.
func (p *Processor) init(ctx context.Context) error {
	log := logger.WithComponent("processor")
	started := time.Now()

	store, err := table.Open(p.cfg.Table)
	if err != nil {
		return fmt.Errorf("failed to open threshold table: %w", err)
	}
	p.store = store

	digests, err := store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover threshold table: %w", err)
	}

	p.filter = bloom.FromConfig(p.cfg.Filter, len(digests))
	for _, d := range digests {
		p.filter.Add(d)
	}
	log.Info().
		Int("recovered", len(digests)).
		Uint("filter_capacity", p.filter.Capacity()).
		Float64("filter_fp_rate", p.cfg.Filter.FalsePositiveRate).
		Msg("membership filter seeded from table")

	producer, err := kafka.NewProducer(
		p.cfg.Kafka.Brokers,
		p.cfg.Kafka.AlertTopic,
		p.cfg.Kafka.Producer,
		kafka.WithNodeID(p.nodeID),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	p.producer = producer
	log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.AlertTopic).
		Msg("kafka producer initialized")

	p.emitter = alerts.NewEmitter(producer, p.cfg.Emitter)
	metrics.EmitterQueueSize.Set(0)

	p.fallback = fallback.New(p.cfg.Fallback, p.filter)
	p.engine = engine.New(p.filter, store, p.fallback, p.emitter,
		engine.WithSeedOnOutage(p.cfg.Fallback.SeedOnOutage))

	p.ingest = ingest.New(
		kafka.NewConfigConsumer(p.cfg.Kafka.Brokers, p.cfg.Kafka.ConfigTopic),
		store,
		p.filter,
		ingest.WithStartTime(started),
	)

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}
	return nil
}

// Handler returns the HTTP surface.
func (p *Processor) Handler() http.Handler {
	mux := http.NewServeMux()

	api := func(route string, h http.Handler) {
		mux.Handle(route, middleware.Chain(h,
			middleware.RequestID,
			middleware.Logging(route),
			middleware.Recovery,
		))
	}

	api("/api/alert", handlers.NewAlertHandler(handlers.AlertConfig{
		Classifier:  p.engine,
		MaxBodySize: p.cfg.HTTP.MaxBodySize,
	}))
	api("/api/test-mode", handlers.NewTestModeHandler(p.engine))

	mux.HandleFunc("/health", p.healthHandler)
	mux.HandleFunc("/ready", p.readyHandler)
	mux.HandleFunc("/stats", p.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// close shuts components down in reverse dependency order. Safe on a
// partially initialized processor.
func (p *Processor) close() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	if p.emitter != nil {
		// queued alerts get at most one publish timeout to drain
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Emitter.PublishTimeout)
		if err := p.emitter.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("emitter did not drain before deadline")
		}
		cancel()
	}

	if p.producer != nil {
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}

	if p.store != nil {
		log.Info().Msg("closing threshold table")
		if err := p.store.Close(); err != nil {
			log.Error().Err(err).Msg("threshold table close error")
		}
	}

	log.Info().Msg("processor stopped gracefully")
}

func (p *Processor) applyConfig(next *config.Config) {
	log := logger.WithComponent("processor")
	if err := logger.SetLevel(next.LogLevel); err != nil {
		log.Warn().Err(err).Str("level", next.LogLevel).Msg("ignoring invalid log level")
		return
	}
	log.Info().Msg("config reloaded; settings other than log_level apply on restart")
}

// Ready reports whether classification is backed by a recovered table or by
// fallback.
func (p *Processor) Ready() bool {
	return p.store.Ready() || p.engine.Degraded()
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.stats()
			log.Info().
				Bool("ready", s.Ready).
				Bool("degraded", s.Engine.Degraded).
				Uint64("breached", s.Engine.Breached).
				Uint64("below_threshold", s.Engine.BelowThreshold).
				Uint64("no_threshold", s.Engine.NoThreshold).
				Uint64("ingest_applied", s.Ingest.Applied).
				Uint64("alerts_published", s.Emitter.Workers.Processed).
				Uint64("alerts_dropped", s.Emitter.Dropped).
				Uint64("producer_failed", s.Producer.MessagesFailed).
				Uint("filter_entries", s.FilterEntries).
				Msg("stats")
		}
	}
}

// Stats is the /stats payload.
type Stats struct {
	Ready          bool                `json:"ready"`
	Engine         engine.Stats        `json:"engine"`
	Ingest         ingest.Stats        `json:"ingest"`
	Emitter        alerts.Stats        `json:"emitter"`
	Producer       kafka.ProducerStats `json:"producer"`
	FilterEntries  uint                `json:"filter_entries"`
	FilterCapacity uint                `json:"filter_capacity"`
	FallbackSize   int                 `json:"fallback_size"`
}

func (p *Processor) stats() Stats {
	return Stats{
		Ready:          p.Ready(),
		Engine:         p.engine.Stats(),
		Ingest:         p.ingest.Stats(),
		Emitter:        p.emitter.Stats(),
		Producer:       p.producer.Stats(),
		FilterEntries:  p.filter.Entries(),
		FilterCapacity: p.filter.Capacity(),
		FallbackSize:   p.fallback.Len(),
	}
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := p.producer.HealthCheck(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// readyHandler holds traffic back until lookups have something to serve from.
func (p *Processor) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !p.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"recovering"}`)
		return
	}
	mode := "table"
	if p.engine.Degraded() {
		mode = "fallback"
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","mode":"%s"}`, mode)
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(p.stats())
}
