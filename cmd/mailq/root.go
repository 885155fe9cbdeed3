package main

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/xraph/mailq/internal/logging"
)

const defaultConfigPath = "mailq.yaml"

// cli is shared by every subcommand once the root has loaded the config.
type cli struct {
	configPath string
	logLevel   string

	cfg         Config
	logger      *slog.Logger
	closeLogger func()
}

func newCLI() *cli {
	return &cli{closeLogger: func() {}}
}

func newRootCmd(c *cli) *cobra.Command {

	root := &cobra.Command{
		Use:           "mailq",
		Short:         "Persistent background mail dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.Flags().Changed("config"))
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level from the config file")

	root.AddCommand(
		runCmd(c),
		enqueueCmd(c),
		statusCmd(c),
		listCmd(c),
		cancelCmd(c),
		resubmitCmd(c),
		purgeCmd(c),
		statsCmd(c),
	)
	return root
}

func (c *cli) load(explicit bool) error {
	cfg, err := LoadConfig(c.configPath, explicit)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}

	logger, closeFn, err := logging.New(logging.Config{
		Format: cfg.Log.Format,
		Level:  cfg.Log.Level,
		Sentry: logging.SentryConfig{
			DSN:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			MinLevel:    cfg.Sentry.MinLevel,
		},
	}, logging.RequestID)
	if err != nil {
		return err
	}
	c.cfg, c.logger, c.closeLogger = cfg, logger, closeFn
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
