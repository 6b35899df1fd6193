package kafka

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/models"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func TestNewProducerValidation(t *testing.T) {
	cfg := config.Default().Kafka

	_, err := NewProducer(nil, "t", cfg.Producer)
	assert.Error(t, err, "missing brokers")

	_, err = NewProducer(cfg.Brokers, "", cfg.Producer)
	assert.Error(t, err, "missing topic")
}

func TestProducerClosedRejectsPublish(t *testing.T) {
	cfg := config.Default().Kafka
	producer, err := NewProducer(cfg.Brokers, cfg.AlertTopic, cfg.Producer)
	require.NoError(t, err)

	require.NoError(t, producer.Close())
	require.NoError(t, producer.Close(), "second close should be a no-op")

	err = producer.PublishAlert(context.Background(), &models.Alert{Digest: models.HashKey("x")})
	assert.ErrorIs(t, err, ErrProducerClosed)
	assert.ErrorIs(t, producer.HealthCheck(context.Background()), ErrProducerClosed)
}

func TestPublishThresholdsEmptyIsNoop(t *testing.T) {
	cfg := config.Default().Kafka
	producer, err := NewProducer(cfg.Brokers, cfg.ConfigTopic, cfg.Loader)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, producer.PublishThresholds(context.Background(), nil))
	stats := producer.Stats()
	assert.Zero(t, stats.MessagesSent)
	assert.Zero(t, stats.MessagesFailed)
}

func TestGetCompression(t *testing.T) {
	for _, name := range []string{"gzip", "snappy", "lz4", "zstd", "none", ""} {
		codec := getCompression(name)
		if name == "none" || name == "" {
			assert.Zero(t, codec, "%q: expected no compression", name)
			continue
		}
		assert.NotZero(t, codec, "%q: expected a codec", name)
	}
}

// launchReaders hands out plain partition readers, except that partition
// broken gets one that is already closed so SetOffset fails.
type launchReaders struct {
	mu      sync.Mutex
	broken  int
	created []*kafka.Reader
}

func (l *launchReaders) newReader(cfg kafka.ReaderConfig) *kafka.Reader {
	r := kafka.NewReader(cfg)
	if cfg.Partition == l.broken {
		r.Close()
	}
	l.mu.Lock()
	l.created = append(l.created, r)
	l.mu.Unlock()
	return r
}

func TestLaunchFailureLeavesNoReaders(t *testing.T) {
	c := NewConfigConsumer([]string{"127.0.0.1:1"}, "eagle-eye.config.launch")
	factory := &launchReaders{broken: 2}
	c.newReader = factory.newReader

	plan := map[int]partitionPlan{
		0: {start: 0, hw: 5},
		1: {start: 0, hw: 5},
		2: {start: 0, hw: 5},
	}
	_, err := c.launch(context.Background(), plan)
	require.Error(t, err)

	c.mu.Lock()
	assert.Empty(t, c.readers)
	assert.Nil(t, c.cancel)
	c.mu.Unlock()

	// every reader opened by the failed attempt has been closed
	for _, r := range factory.created {
		assert.Error(t, r.SetOffset(1))
	}

	// a retry starts from a clean slate and replaces nothing twice
	factory.broken = -1
	hws, err := c.launch(context.Background(), plan)
	require.NoError(t, err)
	assert.Len(t, hws, 3)

	hws, err = c.launch(context.Background(), map[int]partitionPlan{0: {start: 3, hw: 3}})
	require.NoError(t, err)
	assert.Empty(t, hws, "partition already at its high-water mark")

	c.mu.Lock()
	assert.Len(t, c.readers, 1)
	c.mu.Unlock()

	require.NoError(t, c.Close())
}

func TestProducerPublishAlert(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default().Kafka
	producer, err := NewProducer(cfg.Brokers, cfg.AlertTopic, cfg.Producer, WithNodeID("test-node"))
	require.NoError(t, err)
	defer producer.Close()

	id := models.SyntheticIdentity(1)
	alert := &models.Alert{
		Identity:   id,
		Digest:     models.HashIdentity(id),
		ErrorCount: 75,
		Threshold:  50,
		EmittedAt:  time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, producer.PublishAlert(ctx, alert))
	assert.Equal(t, uint64(1), producer.Stats().MessagesSent)
}

func TestConfigRoundTripThroughTopic(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default().Kafka
	topic := fmt.Sprintf("%s.test.%d", cfg.ConfigTopic, time.Now().UnixNano())

	producer, err := NewProducer(cfg.Brokers, topic, cfg.Loader)
	require.NoError(t, err)
	defer producer.Close()

	records := make([]models.ThresholdRecord, 10)
	for i := range records {
		records[i] = models.ThresholdRecord{
			Digest:    models.HashIdentity(models.SyntheticIdentity(i + 1)),
			Threshold: 50,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, producer.PublishThresholds(ctx, records))

	consumer := NewConfigConsumer(cfg.Brokers, topic)
	defer consumer.Close()

	hws, err := consumer.Start(ctx, nil)
	require.NoError(t, err)

	var total int64
	for _, hw := range hws {
		total += hw
	}
	assert.Equal(t, int64(len(records)), total, "high-water marks")

	seen := map[models.Digest]bool{}
	for len(seen) < len(records) {
		msg, err := consumer.Fetch(ctx)
		require.NoError(t, err, "fetch after %d records", len(seen))
		rec, err := models.ParseThresholdRecord(string(msg.Value))
		require.NoError(t, err, "record at %+v", msg.LogPosition)
		seen[rec.Digest] = true
	}
}
