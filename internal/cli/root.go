// Package cli wires the engine's commands: the HTTP server and the offline
// reconciliation jobs.
package cli

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags shared by every command.
type RootOptions struct {
	EnvFile string
	Debug   bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "subledgerd",
		Short:         "Crowdfunding pledge ledger and settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Missing env file is fine; real deployments use the environment.
			if opts.EnvFile != "" {
				_ = godotenv.Load(opts.EnvFile)
			} else {
				_ = godotenv.Load()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "path to a .env file (default: ./.env if present)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRecalculateCommand(opts))

	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// webhookSecretsFromEnv collects WEBHOOK_SECRET_<PROVIDER> variables into a
// provider -> secret map, e.g. WEBHOOK_SECRET_STRIPE feeds /webhooks/stripe.
func webhookSecretsFromEnv() map[string]string {
	const prefix = "WEBHOOK_SECRET_"
	out := map[string]string{}
	for _, pair := range os.Environ() {
		k, v, found := strings.Cut(pair, "=")
		if !found || !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		provider := strings.ToLower(strings.TrimPrefix(k, prefix))
		if provider != "" {
			out[provider] = v
		}
	}
	return out
}
