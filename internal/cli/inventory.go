package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/buildtall-systems/ordersaga/internal/app"
	"github.com/spf13/cobra"
)

var inventoryCmd = &cobra.Command{
	Use:     "inventory",
	Aliases: []string{"inv"},
	Short:   "Manage product stock",
}

var inventoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stock levels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			items, err := a.Inventory.List(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no inventory; run \"ordersaga inventory seed\"")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRODUCT\tNAME\tAVAILABLE")
			for _, it := range items {
				fmt.Fprintf(w, "%d\t%s\t%d\n", it.ProductID, it.ProductName, it.Quantity)
			}
			return w.Flush()
		})
	},
}

var inventorySetCmd = &cobra.Command{
	Use:   "set <product-id> <quantity>",
	Short: "Set a product's stock",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		productID, err := parseID(args[0])
		if err != nil {
			return err
		}
		var quantity int
		if _, err := fmt.Sscan(args[1], &quantity); err != nil {
			return fmt.Errorf("invalid quantity %q", args[1])
		}
		name, _ := cmd.Flags().GetString("name")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Inventory.SetStock(ctx, productID, name, quantity); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "product %d: %d in stock\n", productID, quantity)
			return nil
		})
	},
}

var inventorySeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the configured products into an empty inventory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			seeded, err := a.Seed(ctx)
			if err != nil {
				return err
			}
			if seeded {
				fmt.Fprintln(cmd.OutOrStdout(), "inventory seeded")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "inventory already has stock, nothing to do")
			}
			return nil
		})
	},
}

func init() {
	inventorySetCmd.Flags().String("name", "", "product name (kept when empty)")
	inventoryCmd.AddCommand(inventoryListCmd, inventorySetCmd, inventorySeedCmd)
	rootCmd.AddCommand(inventoryCmd)
}
