package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/red2n/alerts/internal/models"
)

// MockPublisher is a mock implementation of Publisher for testing
type MockPublisher struct {
	published  atomic.Uint64
	failed     atomic.Uint64
	shouldFail bool
	block      bool
	panicOn    int64
}

func (m *MockPublisher) PublishAlert(ctx context.Context, alert *models.Alert) error {
	if m.panicOn != 0 && alert.ErrorCount == m.panicOn {
		panic("boom")
	}
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.shouldFail {
		m.failed.Add(1)
		return errors.New("broker unavailable")
	}
	m.published.Add(1)
	return nil
}

func testAlert(n int64) *models.Alert {
	return &models.Alert{
		Digest:     models.HashIdentity(models.SyntheticIdentity(int(n))),
		ErrorCount: n,
		Threshold:  1,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerPool_ProcessAlerts(t *testing.T) {
	ch := make(chan *models.Alert, 100)
	mock := &MockPublisher{}

	pool := NewPool(Config{
		Publisher: mock,
		AlertChan: ch,
		Workers:   2,
	})

	pool.Start()
	defer pool.Stop()

	numAlerts := 25
	for i := 1; i <= numAlerts; i++ {
		ch <- testAlert(int64(i))
	}

	waitFor(t, func() bool { return pool.Stats().Processed == uint64(numAlerts) })

	assert.Equal(t, uint64(numAlerts), pool.Stats().Processed)
	assert.Equal(t, uint64(numAlerts), mock.published.Load())
}

func TestWorkerPool_FailuresAreCounted(t *testing.T) {
	ch := make(chan *models.Alert, 10)
	mock := &MockPublisher{shouldFail: true}

	pool := NewPool(Config{Publisher: mock, AlertChan: ch, Workers: 1})
	pool.Start()
	defer pool.Stop()

	for i := 1; i <= 3; i++ {
		ch <- testAlert(int64(i))
	}

	waitFor(t, func() bool { return pool.Stats().Failed == 3 })

	assert.Equal(t, uint64(3), pool.Stats().Failed)
	assert.Zero(t, pool.Stats().Processed)
}

func TestWorkerPool_PublishTimeout(t *testing.T) {
	ch := make(chan *models.Alert, 1)
	mock := &MockPublisher{block: true}

	pool := NewPool(Config{
		Publisher:      mock,
		AlertChan:      ch,
		Workers:        1,
		PublishTimeout: 50 * time.Millisecond,
	})
	pool.Start()
	defer pool.Stop()

	ch <- testAlert(1)

	waitFor(t, func() bool { return pool.Stats().TimedOut == 1 })
}

func TestWorkerPool_RecoversFromPanic(t *testing.T) {
	ch := make(chan *models.Alert, 10)
	mock := &MockPublisher{panicOn: 2}

	pool := NewPool(Config{Publisher: mock, AlertChan: ch, Workers: 1})
	pool.Start()
	defer pool.Stop()

	ch <- testAlert(1)
	ch <- testAlert(2)
	ch <- testAlert(3)

	waitFor(t, func() bool { return pool.Stats().Processed == 2 })

	assert.Equal(t, uint64(1), pool.Stats().Failed)
}

func TestWorkerPool_WaitDrainsClosedChannel(t *testing.T) {
	ch := make(chan *models.Alert, 10)
	mock := &MockPublisher{}

	pool := NewPool(Config{Publisher: mock, AlertChan: ch, Workers: 3})
	pool.Start()

	for i := 1; i <= 10; i++ {
		ch <- testAlert(int64(i))
	}
	close(ch)
	pool.Wait()

	assert.Equal(t, uint64(10), mock.published.Load(), "published before Wait returned")
}
