// Command dispatch sends a prompt file to a chat-completion endpoint in
// concurrent batches and records accepted responses.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/prompt-dispatch/pkg/config"
	"github.com/Sternrassler/prompt-dispatch/pkg/logging"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger := logging.NewLogger("cli")
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "dispatch",
		Short: "Send prompts to a chat-completion API in concurrent batches",
		Long: `dispatch reads {"prompt": "..."} lines, sends each one to an
OpenAI-compatible chat-completion endpoint with bounded concurrency, retries
refused or failed requests with exponential backoff, and appends accepted
responses to results.jsonl with the matching prompts in inputs.jsonl.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newGenerateCmd(opts))
	return root
}

// loadConfig reads the config file and environment and applies the
// persistent flags. Subcommands apply their own flags before validating.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.pretty {
		cfg.Log.Pretty = true
	}
	return cfg, nil
}

// setupLogging configures the global logger from cfg.
func setupLogging(cmd *cobra.Command, cfg *config.Config) {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})
}
