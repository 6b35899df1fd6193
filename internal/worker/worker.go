package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/models"
)

// Publisher defines the interface for publishing alerts
type Publisher interface {
	PublishAlert(ctx context.Context, alert *models.Alert) error
}

// Pool manages a pool of workers that consume alerts and publish them, each
// publish bounded by its own timeout.
type Pool struct {
	publisher      Publisher
	alertChan      <-chan *models.Alert
	workers        int
	publishTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher      Publisher
	AlertChan      <-chan *models.Alert
	Workers        int
	PublishTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:      cfg.Publisher,
		alertChan:      cfg.AlertChan,
		workers:        cfg.Workers,
		publishTimeout: cfg.PublishTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins processing alerts
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Dur("publish_timeout", p.publishTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels in-flight publishes and waits for workers to exit. Alerts
// still queued are abandoned.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// Wait blocks until the alert channel is closed and drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// worker processes alerts from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		select {
		case <-p.ctx.Done():
			return

		case alert, ok := <-p.alertChan:
			if !ok {
				return
			}
			metrics.EmitterQueueSize.Set(float64(len(p.alertChan)))
			p.publish(id, alert)
		}
	}
}

// publish sends one alert. A panic is recovered so the worker keeps serving.
func (p *Pool) publish(id int, alert *models.Alert) {
	log := logger.WithComponent("worker").With().
		Int("worker_id", id).
		Str("digest", alert.Digest.String()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			p.failed.Add(1)
			metrics.AlertsEmittedTotal.WithLabelValues("failed").Inc()
		}
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(p.ctx, p.publishTimeout)
	defer cancel()

	err := p.publisher.PublishAlert(ctx, alert)
	duration := time.Since(start)
	metrics.AlertPublishDuration.Observe(duration.Seconds())

	switch {
	case err == nil:
		log.Info().
			Int64("error_count", alert.ErrorCount).
			Int64("threshold", alert.Threshold).
			Dur("duration", duration).
			Msg("alert published")
		p.processed.Add(1)
		metrics.AlertsEmittedTotal.WithLabelValues("published").Inc()

	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		log.Error().
			Err(err).
			Dur("timeout", p.publishTimeout).
			Msg("alert publish timed out")
		p.timedOut.Add(1)
		metrics.AlertsEmittedTotal.WithLabelValues("timeout").Inc()

	default:
		log.Error().
			Err(err).
			Dur("duration", duration).
			Msg("failed to publish alert")
		p.failed.Add(1)
		metrics.AlertsEmittedTotal.WithLabelValues("failed").Inc()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		TimedOut:  p.timedOut.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
}
