package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/buildtall-systems/ordersaga/internal/app"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/order"
	"github.com/buildtall-systems/ordersaga/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Place and inspect orders",
}

var orderCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Place an order",
	Long:  `Place an order. The OrderCreated event is staged in the outbox and published by a running "ordersaga run".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		userID, _ := f.GetInt64("user")
		productID, _ := f.GetInt64("product")
		quantity, _ := f.GetInt("quantity")
		name, _ := f.GetString("name")
		gateway, _ := f.GetString("gateway")
		price, _ := f.GetString("price")

		req := order.CreateOrderRequest{
			UserID:      userID,
			ProductID:   productID,
			Quantity:    quantity,
			ProductName: name,
			Gateway:     gateway,
		}
		if price != "" {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid --price %q: %w", price, err)
			}
			req.UnitPrice = p
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			o, err := a.Orders.CreateOrder(ctx, req)
			if err != nil {
				return err
			}
			printOrder(cmd.OutOrStdout(), o)
			return nil
		})
	},
}

var orderGetCmd = &cobra.Command{
	Use:   "get <order-id>",
	Short: "Show an order and its status history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			o, err := a.Orders.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			history, err := a.Orders.History(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printOrder(out, o)
			fmt.Fprintf(out, "history:  %s\n", strings.Join(history, " → "))
			return nil
		})
	},
}

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			orders, err := a.Orders.ListOrders(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tPRODUCT\tQTY\tTOTAL\tGATEWAY\tSTATUS")
			for _, o := range orders {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\t%s\n",
					o.ID, o.UserID, o.ProductName, o.Quantity, o.TotalPrice.StringFixed(0), o.Gateway, o.Status)
			}
			return w.Flush()
		})
	},
}

func init() {
	f := orderCreateCmd.Flags()
	f.Int64("user", 0, "user ID")
	f.Int64("product", 0, "product ID")
	f.Int("quantity", 1, "quantity")
	f.String("name", "", "product name (defaults to the catalog)")
	f.String("price", "", "unit price (defaults to the catalog)")
	f.String("gateway", "", fmt.Sprintf("payment gateway: %s, %s or %s (defaults to payment.default_gateway)",
		payment.GatewayToss, payment.GatewayNaver, payment.GatewayKakao))
	_ = orderCreateCmd.MarkFlagRequired("user")
	_ = orderCreateCmd.MarkFlagRequired("product")

	orderListCmd.Flags().Int("limit", 20, "maximum number of orders")

	orderCmd.AddCommand(orderCreateCmd, orderGetCmd, orderListCmd)
	rootCmd.AddCommand(orderCmd)
}

func printOrder(w io.Writer, o *db.Order) {
	fmt.Fprintf(w, "order:    %d\n", o.ID)
	fmt.Fprintf(w, "status:   %s\n", o.Status)
	fmt.Fprintf(w, "user:     %d\n", o.UserID)
	fmt.Fprintf(w, "product:  %s (#%d) x %d\n", o.ProductName, o.ProductID, o.Quantity)
	fmt.Fprintf(w, "total:    %s\n", o.TotalPrice.StringFixed(0))
	if o.Gateway != "" {
		fmt.Fprintf(w, "gateway:  %s\n", o.Gateway)
	}
	if o.PaymentID.Valid {
		fmt.Fprintf(w, "payment:  %s\n", o.PaymentID.String)
	}
	if o.DeliveryID.Valid {
		fmt.Fprintf(w, "delivery: %s\n", o.DeliveryID.String)
	}
	if o.CancellationReason.Valid {
		fmt.Fprintf(w, "reason:   %s\n", o.CancellationReason.String)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
