package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "List events that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		records, err := e.db.ListDeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCONSUMER\tKIND\tKEY\tATTEMPTS\tERROR")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Consumer, r.Kind, r.Key, r.Attempts, r.Error)
		}
		return w.Flush()
	},
}

func init() {
	deadLettersCmd.Flags().Int("limit", 50, "maximum number of records")
	rootCmd.AddCommand(deadLettersCmd)
}
