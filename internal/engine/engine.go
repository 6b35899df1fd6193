// Package engine classifies error-count observations against configured
// thresholds. The membership filter answers the common "not configured" case
// without touching the table; the table is consulted only on a filter hit.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/models"
	"github.com/red2n/alerts/internal/table"
)

// Filter is the read side of the membership filter.
type Filter interface {
	MightContain(d models.Digest) bool
}

// Fallback serves lookups once the persistent table is abandoned.
type Fallback interface {
	table.Reader
	Seed() int
	Len() int
}

// Emitter schedules an alert without waiting for it to publish.
type Emitter interface {
	Emit(a *models.Alert) error
}

// Fallback transition reasons, used as log fields and metric labels.
const (
	ReasonStoreUnavailable = "store_unavailable"
	ReasonAdmin            = "admin"
)

// Engine is the breach classifier. It is safe for concurrent use.
type Engine struct {
	filter       Filter
	table        table.Reader
	fallback     Fallback
	emitter      Emitter
	seedOnOutage bool
	now          func() time.Time

	degraded     atomic.Bool
	fallbackOnce sync.Once

	noThreshold    atomic.Uint64
	below          atomic.Uint64
	breached       atomic.Uint64
	falsePositives atomic.Uint64
	lookupErrors   atomic.Uint64
	emitRejected   atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeedOnOutage controls whether an outage-triggered switch to fallback
// seeds the synthetic thresholds. Defaults to true.
func WithSeedOnOutage(seed bool) Option {
	return func(e *Engine) { e.seedOnOutage = seed }
}

// WithClock overrides the alert timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(filter Filter, tbl table.Reader, fallback Fallback, emitter Emitter, opts ...Option) *Engine {
	e := &Engine{
		filter:       filter,
		table:        tbl,
		fallback:     fallback,
		emitter:      emitter,
		seedOnOutage: true,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classify never fails: lookup problems degrade to NoThreshold or to
// fallback, and alert publication happens off the calling goroutine.
func (e *Engine) Classify(ctx context.Context, obs models.Observation) Classification {
	start := time.Now()
	c := e.classify(ctx, obs)
	metrics.ClassifyDuration.Observe(time.Since(start).Seconds())
	metrics.ClassificationsTotal.WithLabelValues(string(c.Status())).Inc()
	return c
}

func (e *Engine) classify(ctx context.Context, obs models.Observation) Classification {
	if !e.filter.MightContain(obs.Digest) {
		e.noThreshold.Add(1)
		return NoThreshold{}
	}

	rec, ok, err := e.lookup(ctx, obs.Digest)
	if err != nil {
		e.lookupErrors.Add(1)
		e.noThreshold.Add(1)
		log := logger.WithComponent("engine")
		log.Error().
			Err(err).
			Str("digest", obs.Digest.String()).
			Msg("threshold lookup failed")
		return NoThreshold{}
	}

	if !ok {
		e.falsePositives.Add(1)
		e.noThreshold.Add(1)
		metrics.FilterFalsePositivesTotal.Inc()
		return NoThreshold{}
	}

	if obs.ErrorCount >= rec.Threshold {
		e.breached.Add(1)
		e.emit(obs, rec)
		return ThresholdBreached{Threshold: rec.Threshold, BreachCount: rec.BreachCount}
	}

	e.below.Add(1)
	return BelowThreshold{Threshold: rec.Threshold}
}

func (e *Engine) lookup(ctx context.Context, d models.Digest) (models.ThresholdRecord, bool, error) {
	if e.degraded.Load() {
		return e.fallback.Get(ctx, d)
	}

	rec, ok, err := e.table.Get(ctx, d)
	if errors.Is(err, table.ErrStoreUnavailable) {
		log := logger.WithComponent("engine")
		log.Warn().
			Err(err).
			Str("digest", d.String()).
			Msg("threshold table unavailable")
		e.enterFallback(ReasonStoreUnavailable, e.seedOnOutage)
		return e.fallback.Get(ctx, d)
	}
	return rec, ok, err
}

func (e *Engine) emit(obs models.Observation, rec models.ThresholdRecord) {
	a := &models.Alert{
		Digest:      obs.Digest,
		ErrorCount:  obs.ErrorCount,
		Threshold:   rec.Threshold,
		BreachCount: rec.BreachCount,
		EmittedAt:   e.now(),
	}
	if obs.Identity != nil {
		a.Identity = *obs.Identity
	}
	if err := e.emitter.Emit(a); err != nil {
		e.emitRejected.Add(1)
	}
}

// enterFallback switches to fallback exactly once per process. Concurrent
// callers block until the switch, including any seeding, has finished.
func (e *Engine) enterFallback(reason string, seed bool) {
	e.fallbackOnce.Do(func() {
		log := logger.WithComponent("engine")
		seeded := 0
		if seed {
			seeded = e.fallback.Seed()
		}
		e.degraded.Store(true)

		metrics.FallbackActive.Set(1)
		metrics.FallbackTransitionsTotal.WithLabelValues(reason).Inc()
		log.Warn().
			Str("reason", reason).
			Int("seeded", seeded).
			Msg("switched to fallback mode; persistent table bypassed until restart")
	})
}

// EnableFallback is the administrative switch: it enters fallback (if not
// already there) and makes sure the synthetic thresholds are loaded. It
// returns the number of thresholds fallback now serves.
func (e *Engine) EnableFallback(reason string) int {
	e.enterFallback(reason, true)
	e.fallback.Seed()
	return e.fallback.Len()
}

// Degraded reports whether lookups are served by fallback.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Stats returns classifier statistics
func (e *Engine) Stats() Stats {
	return Stats{
		NoThreshold:    e.noThreshold.Load(),
		BelowThreshold: e.below.Load(),
		Breached:       e.breached.Load(),
		FalsePositives: e.falsePositives.Load(),
		LookupErrors:   e.lookupErrors.Load(),
		EmitRejected:   e.emitRejected.Load(),
		Degraded:       e.degraded.Load(),
	}
}

// Stats holds classifier metrics
type Stats struct {
	NoThreshold    uint64 `json:"no_threshold"`
	BelowThreshold uint64 `json:"below_threshold"`
	Breached       uint64 `json:"breached"`
	FalsePositives uint64 `json:"filter_false_positives"`
	LookupErrors   uint64 `json:"lookup_errors"`
	EmitRejected   uint64 `json:"emit_rejected"`
	Degraded       bool   `json:"degraded"`
}
