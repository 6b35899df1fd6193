// Package alerts emits breach events without blocking the classifier. Emit
// only enqueues; a bounded worker pool publishes with a per-alert timeout and
// logs failures.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/kafka"
	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/models"
	"github.com/red2n/alerts/internal/worker"
)

var (
	ErrQueueFull      = errors.New("alert queue full")
	ErrEmitterClosed  = errors.New("alert emitter closed")
	ErrPublishFailure = errors.New("alert publish failure")
)

// Emitter queues alerts for asynchronous publish.
type Emitter struct {
	mu     sync.RWMutex
	closed bool
	queue  chan *models.Alert
	pool   *worker.Pool

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewEmitter starts cfg.Workers publishers draining a queue of cfg.QueueSize.
func NewEmitter(pub worker.Publisher, cfg config.EmitterConfig) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	queue := make(chan *models.Alert, cfg.QueueSize)
	e := &Emitter{
		queue: queue,
		pool: worker.NewPool(worker.Config{
			Publisher:      failureTagger{pub},
			AlertChan:      queue,
			Workers:        cfg.Workers,
			PublishTimeout: cfg.PublishTimeout,
		}),
	}
	e.pool.Start()
	return e
}

// Emit hands a to the publishers and returns immediately. A full queue drops
// the alert with ErrQueueFull rather than wait.
func (e *Emitter) Emit(a *models.Alert) error {
	if a.EmittedAt.IsZero() {
		a.EmittedAt = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.drop(a, ErrEmitterClosed)
		return ErrEmitterClosed
	}

	select {
	case e.queue <- a:
		e.enqueued.Add(1)
		metrics.EmitterQueueSize.Set(float64(len(e.queue)))
		return nil
	default:
		e.drop(a, ErrQueueFull)
		return ErrQueueFull
	}
}

func (e *Emitter) drop(a *models.Alert, reason error) {
	e.dropped.Add(1)
	metrics.AlertsEmittedTotal.WithLabelValues("dropped").Inc()
	log := logger.WithComponent("alert_emitter")
	log.Warn().
		Err(reason).
		Str("digest", a.Digest.String()).
		Int64("error_count", a.ErrorCount).
		Int64("threshold", a.Threshold).
		Msg("alert dropped")
}

// Close stops accepting alerts and waits for queued ones to publish. If ctx
// expires first, in-flight publishes are cancelled and the rest abandoned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.pool.Stop()
		return nil
	case <-ctx.Done():
		e.pool.Stop()
		abandoned := len(e.queue)
		log := logger.WithComponent("alert_emitter")
		log.Warn().
			Int("abandoned", abandoned).
			Msg("emitter shutdown deadline reached")
		return ctx.Err()
	}
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	return Stats{
		Enqueued: e.enqueued.Load(),
		Dropped:  e.dropped.Load(),
		Queued:   len(e.queue),
		Workers:  e.pool.Stats(),
	}
}

// Stats holds emitter metrics
type Stats struct {
	Enqueued uint64       `json:"enqueued"`
	Dropped  uint64       `json:"dropped"`
	Queued   int          `json:"queued"`
	Workers  worker.Stats `json:"workers"`
}

// failureTagger marks non-timeout publish errors as ErrPublishFailure so
// logs and callers can tell the two apart.
type failureTagger struct {
	pub worker.Publisher
}

func (f failureTagger) PublishAlert(ctx context.Context, a *models.Alert) error {
	err := f.pub.PublishAlert(ctx, a)
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, kafka.ErrPublishTimeout) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPublishFailure, err)
}
