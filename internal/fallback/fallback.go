// Package fallback provides the in-memory threshold store used when the
// persistent table cannot serve reads. It is a degraded/test substitute
// seeded with synthetic thresholds, not a consistency mechanism.
package fallback

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/models"
	"github.com/red2n/alerts/internal/table"
)

// Adder receives every seeded digest before the store does.
type Adder interface {
	Add(d models.Digest)
}

// Store serves lookups from synthetic thresholds.
type Store struct {
	cfg    config.FallbackConfig
	filter Adder
	table  *table.Memory
	rnd    *rand.Rand

	seedOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithRand fixes the random source, for deterministic thresholds in tests.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.rnd = r }
}

func New(cfg config.FallbackConfig, filter Adder, opts ...Option) *Store {
	s := &Store{
		cfg:    cfg,
		filter: filter,
		table:  table.NewMemory(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Seed loads SeedCount synthetic identities
// property_{i};tenant_0;type_error;interface_api with thresholds drawn from
// [MinThreshold, MaxThreshold] and a breach count of 0. Only the first call
// seeds; it returns the number of entries loaded.
func (s *Store) Seed() int {
	loaded := 0
	s.seedOnce.Do(func() {
		log := logger.WithComponent("fallback")
		log.Info().
			Int("count", s.cfg.SeedCount).
			Int64("min_threshold", s.cfg.MinThreshold).
			Int64("max_threshold", s.cfg.MaxThreshold).
			Msg("seeding fallback thresholds")

		span := s.cfg.MaxThreshold - s.cfg.MinThreshold + 1
		for i := 1; i <= s.cfg.SeedCount; i++ {
			rec := models.ThresholdRecord{
				Digest:    models.HashIdentity(models.SyntheticIdentity(i)),
				Threshold: s.cfg.MinThreshold + s.rnd.Int64N(span),
			}
			s.filter.Add(rec.Digest)
			s.table.Put(rec)
			loaded++
		}

		log.Info().Int("loaded", loaded).Msg("fallback thresholds seeded")
	})
	return loaded
}

// Get serves d from the in-memory map. Never fails.
func (s *Store) Get(ctx context.Context, d models.Digest) (models.ThresholdRecord, bool, error) {
	return s.table.Get(ctx, d)
}

// Len is the number of thresholds held.
func (s *Store) Len() int {
	return s.table.Len()
}
