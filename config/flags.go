package config

import "github.com/spf13/cobra"

// RegisterFlags registers the process flags on the root command. Persistent
// flags are shared with subcommands; the rest only apply to running jobs.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "info", "Log level")
	cmd.PersistentFlags().Bool("log-json", false, "Output log in JSON format")
	cmd.PersistentFlags().Bool("log-no-color", false, "Disable log color")

	cmd.PersistentFlags().Int("port", DefaultServerPort, "Port number")
	cmd.PersistentFlags().String("jobs-file", "", "Path to the YAML jobs file")
	cmd.PersistentFlags().String("checkpoint-db", DefaultCheckpointDB,
		"Destination database holding job checkpoints")

	cmd.PersistentFlags().String("mongodb-operation-timeout", DefaultMongoDBOperationTimeout.String(),
		"Timeout for connect, ping and checkpoint operations (e.g., 30s, 5m)")

	cmd.Flags().Int("copy-batch-size", DefaultCopyBatchSize,
		"Number of documents per copy bulk write")
	cmd.Flags().String("resume-window", "0s",
		"Refuse to resume from a checkpoint not updated for this long (0 disables)")
	cmd.Flags().String("heartbeat-interval", DefaultHeartbeatInterval.String(),
		"How often an idle job refreshes its checkpoint")
	cmd.Flags().String("tail-max-await-time", DefaultTailMaxAwaitTime.String(),
		"How long an empty oplog getMore waits for new entries")
	cmd.Flags().MarkHidden("tail-max-await-time") //nolint:errcheck
}
