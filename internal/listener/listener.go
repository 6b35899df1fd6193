// Package listener consumes the outbound alert topic, parses each record
// positionally and hands it to the configured sinks.
package listener

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/metrics"
	"github.com/red2n/alerts/internal/models"
)

// Reader is the subset of *kafka.Reader the listener uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink receives every well-formed alert.
type Sink interface {
	Deliver(ctx context.Context, a *models.Alert) error
}

// LogSink writes each alert as a structured log event.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, a *models.Alert) error {
	s.Log.Warn().
		Str("digest", a.Digest.String()).
		Str("property_id", a.Identity.PropertyID).
		Str("tenant_id", a.Identity.TenantID).
		Str("type", a.Identity.TransactionType).
		Str("interface", a.Identity.InterfaceID).
		Int64("error_count", a.ErrorCount).
		Int64("threshold", a.Threshold).
		Int64("alert_times", a.BreachCount).
		Time("emitted_at", a.EmittedAt).
		Msg("threshold breach alert")
	return nil
}

// Listener reads alerts until its context is cancelled.
type Listener struct {
	reader Reader
	sinks  []Sink

	received  atomic.Uint64
	delivered atomic.Uint64
	malformed atomic.Uint64
	sinkFails atomic.Uint64
}

func New(reader Reader, sinks ...Sink) *Listener {
	return &Listener{reader: reader, sinks: sinks}
}

// Run fetches, parses, delivers and commits records one at a time. Malformed
// records are logged and committed so they are never redelivered.
func (l *Listener) Run(ctx context.Context) error {
	log := logger.WithComponent("listener")
	log.Info().Int("sinks", len(l.sinks)).Msg("alert listener started")
	defer l.reader.Close()

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info().Msg("alert listener stopped")
				return nil
			}
			return fmt.Errorf("fetch alert: %w", err)
		}

		l.handle(ctx, msg)

		if err := l.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit alert offset")
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg kafka.Message) {
	log := logger.WithComponent("listener").With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("listener panic recovered")
			metrics.PanicsRecovered.WithLabelValues("listener").Inc()
		}
	}()

	l.received.Add(1)

	a, err := models.ParseAlertRecord(string(msg.Value))
	if err != nil {
		l.malformed.Add(1)
		metrics.ListenerRecordsTotal.WithLabelValues("malformed").Inc()
		log.Warn().
			Err(err).
			Str("value", string(msg.Value)).
			Msg("dropping malformed alert record")
		return
	}
	a.EmittedAt = emittedAt(msg)

	ok := true
	for _, sink := range l.sinks {
		if err := sink.Deliver(ctx, a); err != nil {
			ok = false
			l.sinkFails.Add(1)
			log.Error().
				Err(err).
				Str("digest", a.Digest.String()).
				Msg("alert sink failed")
		}
	}

	if ok {
		l.delivered.Add(1)
		metrics.ListenerRecordsTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.ListenerRecordsTotal.WithLabelValues("sink_error").Inc()
	}
}

// emittedAt prefers the producer's emitted_at header over the broker time.
func emittedAt(msg kafka.Message) time.Time {
	for _, h := range msg.Headers {
		if h.Key != "emitted_at" {
			continue
		}
		if ms, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return msg.Time
}

// Stats returns listener statistics
func (l *Listener) Stats() Stats {
	return Stats{
		Received:  l.received.Load(),
		Delivered: l.delivered.Load(),
		Malformed: l.malformed.Load(),
		SinkFails: l.sinkFails.Load(),
	}
}

// Stats holds listener metrics
type Stats struct {
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
	Malformed uint64 `json:"malformed"`
	SinkFails uint64 `json:"sink_failures"`
}
