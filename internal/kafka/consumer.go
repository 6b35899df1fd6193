package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/models"
)

// ConfigConsumer reads the configuration log with one partition reader per
// partition, starting from caller supplied offsets. Partition order is kept;
// there is no consumer group, progress lives with the caller.
type ConfigConsumer struct {
	brokers []string
	topic   string

	msgs    chan models.ConfigMessage
	readers []*kafka.Reader
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex

	newReader func(kafka.ReaderConfig) *kafka.Reader
}

func NewConfigConsumer(brokers []string, topic string) *ConfigConsumer {
	return &ConfigConsumer{
		brokers: brokers,
		topic:   topic,
		msgs:    make(chan models.ConfigMessage, 256),

		newReader: kafka.NewReader,
	}
}

// Start opens a reader per partition at next[partition] (or the earliest
// retained offset when absent or out of range). It returns the high-water
// mark observed at start for every partition that has records to catch up
// on; partitions already at their high-water mark are left out.
func (c *ConfigConsumer) Start(ctx context.Context, next map[int]int64) (map[int]int64, error) {
	log := logger.WithComponent("config_consumer")

	partitions, broker, err := c.readPartitions(ctx)
	if err != nil {
		return nil, err
	}

	plan := make(map[int]partitionPlan, len(partitions))
	for _, p := range partitions {
		leader, err := kafka.DialLeader(ctx, "tcp", broker, c.topic, p.ID)
		if err != nil {
			return nil, fmt.Errorf("dial leader for partition %d: %w", p.ID, err)
		}
		first, last, err := leader.ReadOffsets()
		leader.Close()
		if err != nil {
			return nil, fmt.Errorf("read offsets for partition %d: %w", p.ID, err)
		}

		start, ok := next[p.ID]
		if !ok || start < first || start > last {
			if ok {
				log.Warn().
					Int("partition", p.ID).
					Int64("checkpoint_next", start).
					Int64("first", first).
					Int64("last", last).
					Msg("checkpoint outside retained range, replaying partition from earliest")
			}
			start = first
		}
		plan[p.ID] = partitionPlan{start: start, hw: last}
	}

	return c.launch(ctx, plan)
}

// partitionPlan is where a partition reader starts and the high-water mark
// it has to reach to be caught up.
type partitionPlan struct{ start, hw int64 }

// launch opens every reader in plan and only then starts pumping. If any
// reader fails, the ones already opened are closed and the consumer is left
// as it was. A successful launch replaces readers from an earlier run.
func (c *ConfigConsumer) launch(ctx context.Context, plan map[int]partitionPlan) (map[int]int64, error) {
	log := logger.WithComponent("config_consumer")

	readers := make(map[int]*kafka.Reader, len(plan))
	for partition, b := range plan {
		r := c.newReader(kafka.ReaderConfig{
			Brokers:   c.brokers,
			Topic:     c.topic,
			Partition: partition,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   500 * time.Millisecond,
		})
		if err := r.SetOffset(b.start); err != nil {
			r.Close()
			for _, opened := range readers {
				opened.Close()
			}
			return nil, fmt.Errorf("set offset for partition %d: %w", partition, err)
		}
		readers[partition] = r
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stopLocked(); err != nil {
		log.Warn().Err(err).Msg("closing previous partition readers")
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	hws := make(map[int]int64, len(plan))
	for partition, r := range readers {
		b := plan[partition]
		c.readers = append(c.readers, r)
		if b.start < b.hw {
			hws[partition] = b.hw
		}

		log.Info().
			Int("partition", partition).
			Int64("start_offset", b.start).
			Int64("high_water_mark", b.hw).
			Msg("config partition reader started")

		c.wg.Add(1)
		go c.pump(pumpCtx, partition, r)
	}

	return hws, nil
}

func (c *ConfigConsumer) readPartitions(ctx context.Context) ([]kafka.Partition, string, error) {
	var errs []error
	for _, broker := range c.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		partitions, err := conn.ReadPartitions(c.topic)
		conn.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return partitions, broker, nil
	}
	return nil, "", fmt.Errorf("read partitions of %s: %w", c.topic, errors.Join(errs...))
}

func (c *ConfigConsumer) pump(ctx context.Context, partition int, r *kafka.Reader) {
	defer c.wg.Done()
	log := logger.WithComponent("config_consumer").With().Int("partition", partition).Logger()
	backoff := 100 * time.Millisecond

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("config read failed")
			select {
			case <-time.After(backoff):
				if backoff < 5*time.Second {
					backoff *= 2
				}
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		msg := models.ConfigMessage{
			LogPosition: models.LogPosition{Partition: m.Partition, Offset: m.Offset},
			Key:         m.Key,
			Value:       m.Value,
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Fetch blocks for the next record from any partition.
func (c *ConfigConsumer) Fetch(ctx context.Context) (models.ConfigMessage, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-ctx.Done():
		return models.ConfigMessage{}, ctx.Err()
	}
}

// Close stops every partition reader.
func (c *ConfigConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *ConfigConsumer) stopLocked() error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.wg.Wait()

	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.readers = nil
	return errors.Join(errs...)
}
