package fallback

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/models"
)

type recordingFilter struct {
	mu    sync.Mutex
	added []models.Digest
}

func (r *recordingFilter) Add(d models.Digest) {
	r.mu.Lock()
	r.added = append(r.added, d)
	r.mu.Unlock()
}

func defaultCfg() config.FallbackConfig {
	return config.Default().Fallback
}

func TestSeedLoadsSyntheticThresholds(t *testing.T) {
	filter := &recordingFilter{}
	s := New(defaultCfg(), filter, WithRand(rand.New(rand.NewPCG(1, 1))))

	assert.Equal(t, 100, s.Seed())
	assert.Equal(t, 100, s.Len())
	assert.Len(t, filter.added, 100)

	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		d := models.HashKey(models.SyntheticIdentity(i).Canonical())
		rec, ok, err := s.Get(ctx, d)
		require.NoError(t, err)
		require.True(t, ok, "identity %d missing", i)
		assert.GreaterOrEqual(t, rec.Threshold, int64(40))
		assert.LessOrEqual(t, rec.Threshold, int64(90))
		assert.Zero(t, rec.BreachCount)
	}
}

func TestSeedOnlyOnce(t *testing.T) {
	s := New(defaultCfg(), &recordingFilter{})
	assert.Equal(t, 100, s.Seed())
	assert.Equal(t, 0, s.Seed())
	assert.Equal(t, 100, s.Len())
}

func TestSeedIsDeterministicWithFixedRand(t *testing.T) {
	a := New(defaultCfg(), &recordingFilter{}, WithRand(rand.New(rand.NewPCG(42, 7))))
	b := New(defaultCfg(), &recordingFilter{}, WithRand(rand.New(rand.NewPCG(42, 7))))
	a.Seed()
	b.Seed()

	d := models.HashIdentity(models.SyntheticIdentity(17))
	ra, _, _ := a.Get(context.Background(), d)
	rb, _, _ := b.Get(context.Background(), d)
	assert.Equal(t, ra, rb)
}

func TestFixedThresholdRange(t *testing.T) {
	cfg := config.FallbackConfig{SeedCount: 5, MinThreshold: 50, MaxThreshold: 50}
	s := New(cfg, &recordingFilter{})
	s.Seed()

	rec, ok, _ := s.Get(context.Background(), models.HashIdentity(models.SyntheticIdentity(3)))
	require.True(t, ok)
	assert.Equal(t, int64(50), rec.Threshold)
}

func TestUnknownDigestIsAbsent(t *testing.T) {
	s := New(defaultCfg(), &recordingFilter{})
	s.Seed()
	_, ok, err := s.Get(context.Background(), models.HashKey("nobody"))
	require.NoError(t, err)
	assert.False(t, ok)
}
