package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/red2n/alerts/internal/bloom"
	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/models"
	"github.com/red2n/alerts/internal/table"
)

// fakeSource replays a fixed set of records and then blocks, like a log
// with no new writes.
type fakeSource struct {
	mu        sync.Mutex
	records   []models.ConfigMessage
	ch        chan models.ConfigMessage
	failFirst int32
	starts    atomic.Int32
	startedAt map[int]int64
	closed    atomic.Bool
}

func newFakeSource(records ...models.ConfigMessage) *fakeSource {
	return &fakeSource{records: records, ch: make(chan models.ConfigMessage, 1024)}
}

func (f *fakeSource) Start(_ context.Context, next map[int]int64) (map[int]int64, error) {
	if f.starts.Add(1) <= f.failFirst {
		return nil, errors.New("dial tcp: connection refused")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.startedAt = next

	hws := map[int]int64{}
	for _, r := range f.records {
		if r.Offset < next[r.Partition] {
			continue
		}
		f.ch <- r
		if r.Offset+1 > hws[r.Partition] {
			hws[r.Partition] = r.Offset + 1
		}
	}
	return hws, nil
}

func (f *fakeSource) Fetch(ctx context.Context) (models.ConfigMessage, error) {
	select {
	case m := <-f.ch:
		return m, nil
	case <-ctx.Done():
		return models.ConfigMessage{}, ctx.Err()
	}
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

func put(partition int, offset int64, rec models.ThresholdRecord) models.ConfigMessage {
	return models.ConfigMessage{
		LogPosition: models.LogPosition{Partition: partition, Offset: offset},
		Key:         rec.Digest.Bytes(),
		Value:       []byte(rec.Format()),
	}
}

func rec(key string, threshold, breaches int64) models.ThresholdRecord {
	return models.ThresholdRecord{Digest: models.HashKey(key), Threshold: threshold, BreachCount: breaches}
}

func openStore(t *testing.T, cfg config.TableConfig) *table.Store {
	t.Helper()
	s, err := table.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func runLoop(t *testing.T, l *Loop) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("ingest loop did not stop")
		}
	}
}

func TestReplayThenReady(t *testing.T) {
	store := openStore(t, config.TableConfig{InMemory: true})
	filter := bloom.New(1000, 0.01)
	src := newFakeSource(
		put(0, 0, rec("a", 10, 0)),
		put(1, 0, rec("b", 20, 0)),
		put(0, 1, rec("a", 30, 2)),
	)

	l := New(src, store, filter)
	stop := runLoop(t, l)
	defer stop()

	require.Eventually(t, store.Ready, 2*time.Second, 5*time.Millisecond)
	assert.True(t, l.CaughtUp())

	got, ok, err := store.Get(context.Background(), models.HashKey("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec("a", 30, 2), got)

	assert.True(t, filter.MightContain(models.HashKey("a")))
	assert.True(t, filter.MightContain(models.HashKey("b")))

	cps, err := store.Checkpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{0: 1, 1: 0}, cps)
	assert.Equal(t, uint64(3), l.Stats().Applied)
}

func TestEmptyLogIsReadyImmediately(t *testing.T) {
	store := openStore(t, config.TableConfig{InMemory: true})
	l := New(newFakeSource(), store, bloom.New(10, 0.01))
	stop := runLoop(t, l)
	defer stop()

	require.Eventually(t, store.Ready, time.Second, 5*time.Millisecond)
}

func TestMalformedRecordsAreSkippedAndCheckpointed(t *testing.T) {
	store := openStore(t, config.TableConfig{InMemory: true})
	good := rec("good", 5, 0)
	src := newFakeSource(
		models.ConfigMessage{LogPosition: models.LogPosition{Offset: 0}, Key: []byte("junk"), Value: []byte("not:a:number")},
		models.ConfigMessage{LogPosition: models.LogPosition{Offset: 1}, Key: models.HashKey("other").Bytes(), Value: []byte(good.Format())},
		put(0, 2, good),
	)

	l := New(src, store, bloom.New(10, 0.01))
	stop := runLoop(t, l)
	defer stop()

	require.Eventually(t, store.Ready, 2*time.Second, 5*time.Millisecond)

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Applied)

	cps, err := store.Checkpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cps[0])
}

func TestTombstoneDeletesRecord(t *testing.T) {
	store := openStore(t, config.TableConfig{InMemory: true})
	r := rec("drop-me", 5, 0)
	src := newFakeSource(
		put(0, 0, r),
		models.ConfigMessage{LogPosition: models.LogPosition{Offset: 1}, Key: r.Digest.Bytes()},
	)

	l := New(src, store, bloom.New(10, 0.01))
	stop := runLoop(t, l)
	defer stop()

	require.Eventually(t, store.Ready, 2*time.Second, 5*time.Millisecond)
	_, ok, err := store.Get(context.Background(), r.Digest)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), l.Stats().Deleted)
}

func TestRetriesUnreachableLog(t *testing.T) {
	store := openStore(t, config.TableConfig{InMemory: true})
	src := newFakeSource(put(0, 0, rec("a", 1, 0)))
	src.failFirst = 2

	l := New(src, store, bloom.New(10, 0.01), WithBackoff(5*time.Millisecond, 10*time.Millisecond))
	stop := runLoop(t, l)
	defer stop()

	require.Eventually(t, store.Ready, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), src.starts.Load())
}

func TestStopsWhileLogUnreachable(t *testing.T) {
	store := openStore(t, config.TableConfig{InMemory: true})
	src := newFakeSource()
	src.failFirst = 1 << 30

	l := New(src, store, bloom.New(10, 0.01), WithBackoff(5*time.Millisecond, 5*time.Millisecond))
	stop := runLoop(t, l)
	time.Sleep(30 * time.Millisecond)
	stop()

	assert.False(t, store.Ready())
	assert.False(t, src.closed.Load())
}

func TestRestartResumesAfterCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := config.TableConfig{Path: dir}
	records := []models.ConfigMessage{
		put(0, 0, rec("a", 1, 0)),
		put(0, 1, rec("b", 2, 0)),
	}

	first, err := table.Open(cfg)
	require.NoError(t, err)
	l := New(newFakeSource(records...), first, bloom.New(10, 0.01))
	stop := runLoop(t, l)
	require.Eventually(t, first.Ready, 2*time.Second, 5*time.Millisecond)
	stop()
	require.NoError(t, first.Close())

	second := openStore(t, cfg)
	digests, err := second.Recover(context.Background())
	require.NoError(t, err)
	assert.Len(t, digests, 2)

	filter := bloom.FromConfig(config.FilterConfig{ExpectedCapacity: 10, FalsePositiveRate: 0.01}, len(digests))
	for _, d := range digests {
		filter.Add(d)
	}

	src := newFakeSource(append(records, put(0, 2, rec("c", 3, 0)))...)
	l2 := New(src, second, filter)
	stop2 := runLoop(t, l2)
	defer stop2()

	require.Eventually(t, second.Ready, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, map[int]int64{0: 2}, src.startedAt)
	assert.Equal(t, uint64(1), l2.Stats().Applied)

	for _, key := range []string{"a", "b", "c"} {
		_, ok, err := second.Get(context.Background(), models.HashKey(key))
		require.NoError(t, err)
		assert.True(t, ok, key)
		assert.True(t, filter.MightContain(models.HashKey(key)), key)
	}
}
