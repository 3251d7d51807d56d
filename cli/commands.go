package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/model"
)

func newInfoCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info [product...]",
		Short: "Show product info, for every registered product by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()

			ids := make([]string, 0, len(args))
			if len(args) == 0 {
				for _, p := range a.catalog.Purchases() {
					ids = append(ids, model.MustProductID(a.catalog.BundleID(), p.Name))
				}
			}
			for _, arg := range args {
				// Unknown ids are passed through so the store can reject them.
				if _, id, err := a.resolve(arg); err == nil {
					ids = append(ids, id)
				} else {
					ids = append(ids, arg)
				}
			}

			for _, id := range ids {
				res := a.orchestrator.RequestProductInfo(cmd.Context(), id)
				printFeedback(cmd.OutOrStdout(), iap.ProductInfoFeedback(res))
			}
			return nil
		},
	}
}

func newPurchaseCommand(getApp func() *app) *cobra.Command {
	var atomic, deliver bool

	cmd := &cobra.Command{
		Use:   "purchase <product>",
		Short: "Purchase a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			out := cmd.OutOrStdout()

			productID := args[0]
			if _, id, err := a.resolve(args[0]); err == nil {
				productID = id
			}

			res := a.orchestrator.Purchase(cmd.Context(), productID, atomic)
			if feedback, ok := iap.PurchaseFeedback(res); ok {
				printFeedback(out, feedback)
			}
			if res.Outcome != iap.PurchaseSucceeded {
				return nil
			}

			fmt.Fprintf(out, "Transaction: %s\n", res.Purchase.Transaction)
			if deliver {
				return a.deliver(cmd, res.Purchase)
			}
			if res.Purchase.NeedsFinishTransaction {
				fmt.Fprintln(out, "Transaction must be finished after delivering the content")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&atomic, "atomic", false, "finish the transaction as part of the purchase")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the content and finish the transaction")
	return cmd
}

func newFinishCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "finish <transaction>",
		Short: "Finish a delivered transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := iap.TransactionRef(args[0])
			if err := getApp().orchestrator.Finish(cmd.Context(), ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Finished %s\n", ref)
			return nil
		},
	}
}

func newPendingCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List transactions that still need to be finished",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pending, err := getApp().store.Pending(cmd.Context())
			if err != nil {
				return err
			}
			for _, tx := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", tx.ID, tx.ProductID, tx.State)
			}
			return nil
		},
	}
}

func newRestoreCommand(getApp func() *app) *cobra.Command {
	var atomic, deliver bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore previous purchases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := getApp()
			out := cmd.OutOrStdout()

			res := a.orchestrator.Restore(cmd.Context(), atomic)
			printFeedback(out, iap.RestoreFeedback(res))

			for _, p := range res.Restored {
				fmt.Fprintf(out, "Restored %s (%s)\n", p.ProductID, p.OriginalTransaction)
				if deliver {
					if err := a.deliver(cmd, p); err != nil {
						return err
					}
				}
			}
			for _, f := range res.Failed {
				fmt.Fprintf(out, "Failed to restore %s: %v\n", f.ProductID, f.Err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&atomic, "atomic", false, "finish restored transactions as part of the restore")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the content and finish restored transactions")
	return cmd
}

func newReceiptCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "receipt",
		Short: "Verify the receipt and list its entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			res := getApp().orchestrator.VerifyReceipt(cmd.Context())
			printFeedback(out, iap.ReceiptFeedback(res))
			if res.Err != nil {
				return nil
			}

			for _, e := range res.Receipt.Entries {
				printEntry(out, e)
			}
			return nil
		},
	}
}

func newVerifyCommand(getApp func() *app) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "verify <product>",
		Short: "Verify the receipt and classify one product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()

			purchase, productID, err := a.resolve(args[0])
			if err != nil {
				return err
			}

			when := time.Now()
			if at != "" {
				when, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			res := a.orchestrator.VerifyEntitlement(cmd.Context(), purchase.Kind, productID, when)
			printFeedback(cmd.OutOrStdout(), iap.EntitlementFeedback(res))
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "reference time (RFC 3339), defaults to now")
	return cmd
}

// deliver hands the content to the user and then finishes the transaction.
func (a *app) deliver(cmd *cobra.Command, p *iap.Purchase) error {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Delivered %d x %s\n", p.Quantity, p.ProductID)
	if !p.NeedsFinishTransaction {
		return nil
	}

	if err := a.orchestrator.Finish(cmd.Context(), p.Transaction); err != nil {
		return fmt.Errorf("failed to finish %s: %w", p.Transaction, err)
	}
	fmt.Fprintf(out, "Finished %s\n", p.Transaction)
	return nil
}

func printEntry(w io.Writer, e iap.ReceiptEntry) {
	fmt.Fprintf(w, "%s %s purchased=%s", e.ProductID, e.TransactionID, e.PurchasedAt.Format(time.RFC3339))
	if !e.ExpiresAt.IsZero() {
		fmt.Fprintf(w, " expires=%s", e.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
}
