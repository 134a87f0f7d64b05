package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/acronym-cli/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the summary of a run (default: the latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		id := ""
		if len(args) == 1 {
			id = args[0]
		} else {
			runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 1})
			if err != nil {
				return eris.Wrap(err, "status")
			}
			if len(runs) == 0 {
				return eris.New("status: no runs recorded")
			}
			id = runs[0].ID
		}

		run, err := st.GetRun(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "status %s", id)
		}
		printSummary(os.Stdout, run)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
