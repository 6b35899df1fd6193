package main

import (
	"github.com/spf13/cobra"

	"github.com/red2n/alerts/internal/kafka"
	"github.com/red2n/alerts/internal/listener"
	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/state"
)

func newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Consume the alert topic and deliver alerts to the log and Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			log := logger.WithComponent("listen")
			sinks := []listener.Sink{listener.LogSink{Log: logger.WithComponent("alert")}}

			if cfg.Redis.Addr != "" {
				store, err := state.NewRedisStore(ctx, cfg.Redis)
				if err != nil {
					return err
				}
				defer store.Close()
				sinks = append(sinks, store)
				log.Info().
					Str("addr", cfg.Redis.Addr).
					Str("stream", cfg.Redis.Stream).
					Msg("redis alert sink enabled")
			}

			reader := kafka.NewAlertReader(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic, cfg.Kafka.AlertGroup)
			log.Info().
				Strs("brokers", cfg.Kafka.Brokers).
				Str("topic", cfg.Kafka.AlertTopic).
				Str("group", cfg.Kafka.AlertGroup).
				Msg("listening for alerts")

			return listener.New(reader, sinks...).Run(ctx)
		},
	}
}
