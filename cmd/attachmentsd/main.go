// Command attachmentsd runs the attachment service and its tenant maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/service-tip-git/attachments/internal/config"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "attachmentsd",
		Short:         "Object-store backed attachment service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")

	cmd.AddCommand(
		newServeCommand(opts),
		newProvisionCommand(opts),
		newDeprovisionCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// loadConfig layers the defaults, the config file and ATTACHMENTS_* variables, then
// applies flag overrides.
func loadConfig(opts *rootOptions) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if opts.configFile != "" {
		if err := cfg.LoadFromFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Global.Log.Level = opts.logLevel
	}
	return cfg, nil
}
