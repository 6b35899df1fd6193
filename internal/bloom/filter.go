// Package bloom holds the membership filter that gates threshold lookups.
// A negative answer is definitive, a positive one only means "look it up".
package bloom

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/models"
)

// Filter is a grow-only, concurrency-safe bloom filter of digests. There is
// no delete; a filter sized too small is replaced at the next start.
type Filter struct {
	mu       sync.RWMutex
	bf       *bloom.BloomFilter
	capacity uint
	fpRate   float64
	entries  uint
}

// New sizes a filter for capacity entries at the given false-positive rate.
func New(capacity uint, fpRate float64) *Filter {
	metrics.FilterCapacity.Set(float64(capacity))
	metrics.FilterEntries.Set(0)
	return &Filter{
		bf:       bloom.NewWithEstimates(capacity, fpRate),
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// FromConfig sizes the filter for max(configured capacity, 2*known). known is
// the number of digests about to be loaded from the table.
func FromConfig(cfg config.FilterConfig, known int) *Filter {
	capacity := cfg.ExpectedCapacity
	if want := uint(known) * 2; want > capacity {
		capacity = want
	}
	return New(capacity, cfg.FalsePositiveRate)
}

// Add inserts d. Idempotent.
func (f *Filter) Add(d models.Digest) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.bf.Test(d[:]) {
		f.entries++
		metrics.FilterEntries.Set(float64(f.entries))
	}
	f.bf.Add(d[:])
}

// MightContain returns false only if d was never added.
func (f *Filter) MightContain(d models.Digest) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(d[:])
}

// Entries approximates the number of distinct digests added. Additions that
// collide with an existing positive are not counted.
func (f *Filter) Entries() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.entries
}

// Capacity is the planned entry count the filter was sized for.
func (f *Filter) Capacity() uint { return f.capacity }

// Saturated reports whether more entries were added than planned, after
// which the false-positive rate exceeds its target.
func (f *Filter) Saturated() bool {
	return f.Entries() > f.capacity
}
