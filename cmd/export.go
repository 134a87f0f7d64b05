package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/acronym-cli/internal/export"
	"github.com/sells-group/acronym-cli/internal/store"
)

var (
	exportRunID  string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export <output>",
	Short: "Export enriched acronyms to jsonl, csv or xlsx",
	Long:  "Writes done results from the progress store. Without --run every enriched acronym is exported.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		format := export.FormatForPath(args[0])
		if exportFormat != "" {
			var err error
			if format, err = export.ParseFormat(exportFormat); err != nil {
				return err
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if exportRunID != "" {
			if _, err := st.GetRun(ctx, exportRunID); err != nil {
				return eris.Wrapf(err, "export run %s", exportRunID)
			}
		}

		n, err := export.ToFile(ctx, st, store.ResultFilter{RunID: exportRunID}, args[0], format)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d results to %s\n", n, args[0])
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "only export results recorded by this run")
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "jsonl, csv or xlsx (default from extension)")
	rootCmd.AddCommand(exportCmd)
}
