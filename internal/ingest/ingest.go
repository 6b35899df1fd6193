// Package ingest applies the configuration log to the membership filter and
// the threshold table. It is the only writer of either.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/models"
)

// Source is an ordered, replayable configuration log.
type Source interface {
	// Start positions every partition at next[partition] and returns the
	// high-water marks of partitions that have records to catch up on.
	Start(ctx context.Context, next map[int]int64) (map[int]int64, error)
	Fetch(ctx context.Context) (models.ConfigMessage, error)
	Close() error
}

// Store is the write side of the threshold table.
type Store interface {
	Checkpoints(ctx context.Context) (map[int]int64, error)
	Put(ctx context.Context, rec models.ThresholdRecord, pos models.LogPosition) error
	Delete(ctx context.Context, d models.Digest, pos models.LogPosition) error
	Advance(ctx context.Context, pos models.LogPosition) error
	MarkReady()
}

// Filter is the write side of the membership filter.
type Filter interface {
	Add(d models.Digest)
	Saturated() bool
	Entries() uint
	Capacity() uint
}

// Loop consumes configuration records until its context is cancelled.
type Loop struct {
	source Source
	store  Store
	filter Filter

	minBackoff time.Duration
	maxBackoff time.Duration
	startedAt  time.Time

	caughtUp       atomic.Bool
	warnedSaturate atomic.Bool

	applied   atomic.Uint64
	deleted   atomic.Uint64
	malformed atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithBackoff bounds the retry delay used while the log is unreachable.
func WithBackoff(initial, max time.Duration) Option {
	return func(l *Loop) {
		l.minBackoff = initial
		l.maxBackoff = max
	}
}

// WithStartTime sets when recovery began, for the recovery duration metric.
func WithStartTime(t time.Time) Option {
	return func(l *Loop) { l.startedAt = t }
}

func New(source Source, store Store, filter Filter, opts ...Option) *Loop {
	l := &Loop{
		source:     source,
		store:      store,
		filter:     filter,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run resumes from the table's checkpoints, replays up to the high-water
// marks seen at start, marks the table ready and then follows the log. It
// returns nil when ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	log := logger.WithComponent("ingest")

	checkpoints, err := l.store.Checkpoints(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("read checkpoints: %w", err)
	}
	next := make(map[int]int64, len(checkpoints))
	for partition, offset := range checkpoints {
		next[partition] = offset + 1
	}

	pending, err := l.start(ctx, next)
	if err != nil {
		return nil // cancelled while the log was unreachable
	}
	defer l.source.Close()

	log.Info().
		Int("checkpointed_partitions", len(checkpoints)).
		Int("partitions_to_replay", len(pending)).
		Msg("config ingest started")

	l.maybeReady(pending)

	for {
		msg, err := l.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("config ingest stopped")
				return nil
			}
			return fmt.Errorf("fetch config record: %w", err)
		}

		if err := l.apply(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// the checkpoint did not move; the record replays on restart
			l.failed.Add(1)
			metrics.IngestRecordsTotal.WithLabelValues("failed").Inc()
			log.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to apply config record")
		}

		if hw, ok := pending[msg.Partition]; ok && msg.Offset+1 >= hw {
			delete(pending, msg.Partition)
			l.maybeReady(pending)
		}
	}
}

// start opens the source, retrying with capped exponential backoff. It only
// fails when ctx is cancelled.
func (l *Loop) start(ctx context.Context, next map[int]int64) (map[int]int64, error) {
	log := logger.WithComponent("ingest")
	backoff := l.minBackoff

	for {
		pending, err := l.source.Start(ctx, next)
		if err == nil {
			return pending, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("config log unreachable, table stays unavailable")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Loop) maybeReady(pending map[int]int64) {
	if len(pending) > 0 || l.caughtUp.Load() {
		return
	}
	l.caughtUp.Store(true)
	l.store.MarkReady()

	took := time.Since(l.startedAt)
	metrics.TableRecoveryDuration.Set(took.Seconds())
	log := logger.WithComponent("ingest")
	log.Info().
		Dur("recovery", took).
		Uint64("applied", l.applied.Load()).
		Uint("filter_entries", l.filter.Entries()).
		Msg("threshold table caught up and serving")
}

// apply writes one record. The filter is updated before the table so a
// digest readable from the table is never missing from the filter.
func (l *Loop) apply(ctx context.Context, msg models.ConfigMessage) error {
	log := logger.WithComponent("ingest")

	if msg.Value == nil {
		d, err := models.ParseDigest(string(msg.Key))
		if err != nil {
			return l.skip(ctx, msg, err)
		}
		if err := l.store.Delete(ctx, d, msg.LogPosition); err != nil {
			return err
		}
		l.deleted.Add(1)
		metrics.IngestRecordsTotal.WithLabelValues("deleted").Inc()
		log.Info().Str("digest", d.String()).Msg("threshold dropped")
		return nil
	}

	rec, err := models.ParseThresholdRecord(string(msg.Value))
	if err != nil {
		return l.skip(ctx, msg, err)
	}
	if len(msg.Key) > 0 && string(msg.Key) != rec.Digest.String() {
		return l.skip(ctx, msg, fmt.Errorf("%w: key %q does not match value digest %s",
			models.ErrMalformedThresholdRecord, msg.Key, rec.Digest))
	}

	l.filter.Add(rec.Digest)
	if err := l.store.Put(ctx, rec, msg.LogPosition); err != nil {
		return err
	}

	l.applied.Add(1)
	metrics.IngestRecordsTotal.WithLabelValues("applied").Inc()
	log.Debug().
		Str("digest", rec.Digest.String()).
		Int64("threshold", rec.Threshold).
		Int64("breach_count", rec.BreachCount).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("threshold applied")

	if l.filter.Saturated() && l.warnedSaturate.CompareAndSwap(false, true) {
		log.Warn().
			Uint("entries", l.filter.Entries()).
			Uint("capacity", l.filter.Capacity()).
			Msg("membership filter over capacity, false-positive rate degraded until restart")
	}
	return nil
}

// skip logs a malformed record and moves the checkpoint past it.
func (l *Loop) skip(ctx context.Context, msg models.ConfigMessage, cause error) error {
	l.malformed.Add(1)
	metrics.IngestRecordsTotal.WithLabelValues("malformed").Inc()
	log := logger.WithComponent("ingest")
	log.Warn().
		Err(cause).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Bytes("key", msg.Key).
		Msg("skipping malformed config record")

	if err := l.store.Advance(ctx, msg.LogPosition); err != nil {
		return errors.Join(cause, err)
	}
	return nil
}

// CaughtUp reports whether the start-time backlog has been applied.
func (l *Loop) CaughtUp() bool {
	return l.caughtUp.Load()
}

// Stats returns ingest statistics
func (l *Loop) Stats() Stats {
	return Stats{
		Applied:   l.applied.Load(),
		Deleted:   l.deleted.Load(),
		Malformed: l.malformed.Load(),
		Failed:    l.failed.Load(),
		CaughtUp:  l.caughtUp.Load(),
	}
}

// Stats holds ingest metrics
type Stats struct {
	Applied   uint64 `json:"applied"`
	Deleted   uint64 `json:"deleted"`
	Malformed uint64 `json:"malformed"`
	Failed    uint64 `json:"failed"`
	CaughtUp  bool   `json:"caught_up"`
}
