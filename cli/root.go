package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/code-payments/iap-server/config"
	"github.com/code-payments/iap-server/iap"
)

// NewRootCommand builds the iapctl command tree. Every subcommand gets a fully
// wired app built from the environment.
func NewRootCommand() *cobra.Command {
	var (
		envFiles []string
		a        *app
	)

	root := &cobra.Command{
		Use:   "iapctl",
		Short: "Drive in-app purchases against the sandbox storefront",
		Long: `iapctl runs the purchase orchestrator against a sandbox storefront.

Products, purchases, restores and receipts behave the way the platform
payment queue does, including transactions that must be finished after
their content was delivered.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}

			log, err := cfg.Logger()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}

			a, err = newApp(cmd.Context(), cfg, log)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a != nil {
				a.Close()
			}
		},
	}

	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load before reading the environment")

	getApp := func() *app { return a }
	root.AddCommand(
		newInfoCommand(getApp),
		newPurchaseCommand(getApp),
		newFinishCommand(getApp),
		newPendingCommand(getApp),
		newRestoreCommand(getApp),
		newReceiptCommand(getApp),
		newVerifyCommand(getApp),
		newServeCommand(getApp),
	)

	return root
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func printFeedback(w io.Writer, f iap.Feedback) {
	fmt.Fprintf(w, "%s: %s\n", f.Title, f.Message)
}
