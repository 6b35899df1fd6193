package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/red2n/alerts/internal/kafka"
	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/models"
)

func newLoadThresholdsCmd() *cobra.Command {
	var (
		count     int
		threshold int64
	)

	cmd := &cobra.Command{
		Use:   "load-thresholds",
		Short: "Publish synthetic threshold records to the config topic",
		Long: `Publishes one configuration record per synthetic identity
property_{i};tenant_0;type_error;interface_api for i in 1..count, each with
the given threshold and a breach count of 0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}
			if threshold < 0 {
				return fmt.Errorf("--threshold must not be negative, got %d", threshold)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ConfigTopic, cfg.Kafka.Loader)
			if err != nil {
				return err
			}
			defer producer.Close()

			records := syntheticRecords(count, threshold)
			if err := producer.PublishThresholds(ctx, records); err != nil {
				return fmt.Errorf("publish thresholds: %w", err)
			}

			log := logger.WithComponent("load_thresholds")
			log.Info().
				Int("count", len(records)).
				Int64("threshold", threshold).
				Str("topic", cfg.Kafka.ConfigTopic).
				Msg("thresholds published")
			fmt.Fprintf(cmd.OutOrStdout(), "published %d thresholds to %s\n", len(records), cfg.Kafka.ConfigTopic)
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 100, "number of synthetic identities")
	cmd.Flags().Int64Var(&threshold, "threshold", 50, "threshold assigned to every identity")
	return cmd
}

func syntheticRecords(count int, threshold int64) []models.ThresholdRecord {
	records := make([]models.ThresholdRecord, 0, count)
	for i := 1; i <= count; i++ {
		records = append(records, models.ThresholdRecord{
			Digest:    models.HashIdentity(models.SyntheticIdentity(i)),
			Threshold: threshold,
		})
	}
	return records
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <composite-key>",
		Short: "Print the digest of a composite key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), models.HashKey(args[0]))
			return nil
		},
	}
}
