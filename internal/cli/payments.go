package cli

import (
	"context"
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/app"
	"github.com/spf13/cobra"
)

var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Inspect and cancel payments",
}

var paymentStatusCmd = &cobra.Command{
	Use:   "status <order-id>",
	Short: "Show an order's payment and ask its gateway for the status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orderID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			p, err := a.Payments.GetPayment(ctx, orderID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "payment:  %s\n", p.PaymentID)
			fmt.Fprintf(out, "gateway:  %s (%s)\n", p.Gateway, p.PGTransactionID)
			fmt.Fprintf(out, "amount:   %s\n", p.Amount.StringFixed(0))
			fmt.Fprintf(out, "status:   %s\n", p.Status)

			res, err := a.Payments.GatewayStatus(ctx, orderID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "upstream: %s\n", res.Message)
			return nil
		})
	},
}

var paymentCancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel an order's payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orderID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Payments.CancelPayment(ctx, orderID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "payment for order %d cancelled\n", orderID)
			return nil
		})
	},
}

func init() {
	paymentCmd.AddCommand(paymentStatusCmd, paymentCancelCmd)
	rootCmd.AddCommand(paymentCmd)
}
