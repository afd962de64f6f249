package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chanpost/internal/storage"
)

func (a *App) historyCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent dispatches from the audit store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.history(cmd.Context(), n)
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of entries to show")
	return cmd
}

func (a *App) history(ctx context.Context, n int) error {
	st, err := a.openAudit()
	if err != nil {
		return NewCLIError("cannot open dispatch audit", "Check the storage section of the settings file", err)
	}
	if st == nil {
		return storage.ErrDisabled
	}
	defer st.Close()

	entries, err := st.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "no dispatches recorded yet")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCHANNEL\tOUTCOME\tROLL/CHANCE\tATTEMPTS\tSTATUS\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			e.At.Local().Format("2006-01-02 15:04:05"), e.Channel, e.Outcome,
			e.Roll, e.Chance, e.Attempts, e.Status, e.Error)
	}
	return tw.Flush()
}
