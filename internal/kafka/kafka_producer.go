package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/models"
)

// Producer errors
var (
	ErrProducerClosed = errors.New("producer is closed")
	ErrPublishTimeout = errors.New("publish timeout")
)

// Producer is a Kafka producer with a writer pool and optional retries.
// Messages are keyed by digest, so one digest always lands on one partition.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	nodeID  string
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerOption is a functional option for configuring the producer
type ProducerOption func(*Producer)

// WithNodeID stamps every message with a "node" header.
func WithNodeID(id string) ProducerOption {
	return func(p *Producer) { p.nodeID = id }
}

// NewProducer creates a new Kafka producer with the given configuration
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if topic == "" {
		return nil, errors.New("topic is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	p := &Producer{
		cfg:     cfg,
		topic:   topic,
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}

	for _, opt := range opts {
		opt(p)
	}

	compression := getCompression(cfg.Compression)

	for i := 0; i < cfg.PoolSize; i++ {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // Partition by key
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			// kafka-go treats 0 as "use default (10)"
			MaxAttempts:            1,
			Async:                  false,
			AllowAutoTopicCreation: true,
		}
		p.writers[i] = writer
		p.pool <- writer
	}

	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None // no compression
	}
}

func (p *Producer) headers(extra ...kafka.Header) []kafka.Header {
	if p.nodeID == "" {
		return extra
	}
	return append(extra, kafka.Header{Key: "node", Value: []byte(p.nodeID)})
}

// PublishAlert sends one alert record, keyed by digest.
func (p *Producer) PublishAlert(ctx context.Context, a *models.Alert) error {
	emittedAt := a.EmittedAt
	if emittedAt.IsZero() {
		emittedAt = time.Now().UTC()
	}

	msg := kafka.Message{
		Key:   a.Digest.Bytes(),
		Value: []byte(a.Format()),
		Headers: p.headers(
			kafka.Header{Key: "digest", Value: a.Digest.Bytes()},
			kafka.Header{Key: "emitted_at", Value: []byte(strconv.FormatInt(emittedAt.UnixMilli(), 10))},
		),
		Time: emittedAt,
	}
	return p.publish(ctx, []kafka.Message{msg})
}

// PublishThresholds sends configuration records as one batch, each keyed by
// its digest with value digest:threshold:breachCount.
func (p *Producer) PublishThresholds(ctx context.Context, records []models.ThresholdRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msgs = append(msgs, kafka.Message{
			Key:     rec.Digest.Bytes(),
			Value:   []byte(rec.Format()),
			Headers: p.headers(),
		})
	}
	return p.publish(ctx, msgs)
}

func (p *Producer) publish(ctx context.Context, messages []kafka.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	// Get writer from pool
	var writer *kafka.Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.fail(len(messages))
		return p.wrapCtxErr(ctx.Err())
	}

	err := p.publishWithRetry(ctx, writer, messages)
	duration := time.Since(start)
	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Str("topic", p.topic).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish to kafka")
		p.fail(len(messages))
		return p.wrapCtxErr(err)
	}

	log.Debug().
		Str("topic", p.topic).
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("published to kafka")

	p.messagesSent.Add(uint64(len(messages)))
	metrics.KafkaPublishTotal.WithLabelValues(p.topic, "success").Add(float64(len(messages)))

	bytesTotal := uint64(0)
	for _, msg := range messages {
		bytesTotal += uint64(len(msg.Value))
	}
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaBytesWritten.Add(float64(bytesTotal))

	return nil
}

func (p *Producer) fail(n int) {
	p.messagesFailed.Add(uint64(n))
	metrics.KafkaPublishTotal.WithLabelValues(p.topic, "failed").Add(float64(n))
}

func (p *Producer) wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
	}
	return err
}

// publishWithRetry publishes messages with exponential backoff retry
func (p *Producer) publishWithRetry(ctx context.Context, writer *kafka.Writer, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(messages)).
			Msg("kafka publish attempt failed")

		// Check for non-retryable errors
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	if p.cfg.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck verifies a writer can be acquired from the pool.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	select {
	case writer := <-p.pool:
		_ = writer.Stats()
		p.pool <- writer
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
