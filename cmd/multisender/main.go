// Command multisender distributes an ERC-20 token to a list of recipients in
// paced batches under a daily quota.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "multisender",
		Short: "Paced ERC-20 distribution with a daily quota",
		Long: `Sends a token to every address in the recipients CSV, in batches with
randomized pacing, resubmitting stuck transfers and never exceeding the
configured daily quota. Progress is kept on disk so runs can resume.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			_ = godotenv.Overload(".env.local")
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Env file loaded before the configuration")

	rootCmd.AddCommand(
		runCmd(),
		retryFailedCmd(),
		scheduleCmd(),
		logCmd(),
		configCmd(),
		netCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
