package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/acronym-cli/internal/export"
	"github.com/sells-group/acronym-cli/internal/input"
	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/pipeline"
	"github.com/sells-group/acronym-cli/internal/store"
)

var (
	enrichOffline    bool
	enrichMaxRetries int
	enrichNoValidate bool
	enrichOutput     string
	enrichFormat     string
	enrichDrainWait  time.Duration
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <input>",
	Short: "Enrich an acronym list (xlsx, csv or txt)",
	Long: "Runs the enrichment pipeline over an input list. Acronyms already done " +
		"in the progress store are skipped, so an interrupted run resumes where it " +
		"left off. The first interrupt drains in-flight work, a second aborts.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if enrichOffline {
			cfg.Provider.Name = "stub"
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		jobs, stats, err := input.Load(ctx, args[0])
		if err != nil {
			return err
		}
		zap.L().Info("input loaded",
			zap.String("path", args[0]),
			zap.Int("rows", stats.Rows),
			zap.Int("jobs", stats.Jobs),
			zap.Int("duplicates", stats.Duplicates),
			zap.Int("bad_grades", stats.BadGrades),
		)

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req := pipeline.StartRequest{Jobs: jobs, Source: args[0]}
		if cmd.Flags().Changed("max-retries") {
			req.MaxRetries = &enrichMaxRetries
		}
		if enrichNoValidate {
			off := false
			req.ValidationEnabled = &off
		}

		run, err := runWithDrain(ctx, env.Manager, req, enrichDrainWait)
		if err != nil {
			return err
		}
		printSummary(os.Stdout, run)

		if enrichOutput != "" {
			format := export.FormatForPath(enrichOutput)
			if enrichFormat != "" {
				if format, err = export.ParseFormat(enrichFormat); err != nil {
					return err
				}
			}
			n, err := export.ToFile(context.WithoutCancel(ctx), env.Store,
				store.ResultFilter{RunID: run.ID}, enrichOutput, format)
			if err != nil {
				return err
			}
			zap.L().Info("results exported", zap.String("path", enrichOutput), zap.Int("records", n))
		}

		if run.Status == model.RunStatusAborted && run.Reason != model.ReasonCancelled {
			return eris.Errorf("run %s aborted: %s", run.ID, run.Reason)
		}
		return nil
	},
}

// runWithDrain starts a run and waits for it. The first SIGINT or SIGTERM
// drains the run; a second one, or drainWait elapsing, cancels in-flight
// requests.
func runWithDrain(ctx context.Context, m *pipeline.Manager, req pipeline.StartRequest, drainWait time.Duration) (*model.Run, error) {
	id, err := m.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := m.Wait(sigCtx, id)
	if sigCtx.Err() == nil {
		return run, err
	}
	stop()

	zap.L().Warn("interrupt received, draining run (interrupt again to abort)", zap.String("run_id", id))
	shutdownCtx, cancel := signal.NotifyContext(context.WithoutCancel(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if drainWait > 0 {
		var cancelTimeout context.CancelFunc
		shutdownCtx, cancelTimeout = context.WithTimeout(shutdownCtx, drainWait)
		defer cancelTimeout()
	}
	if err := m.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("drain interrupted, in-flight requests cancelled", zap.String("run_id", id), zap.Error(err))
	}
	return m.Wait(context.WithoutCancel(ctx), id)
}

// printSummary writes the run outcome in a human-readable form.
func printSummary(out io.Writer, run *model.Run) {
	s := run.Summary
	_, _ = fmt.Fprintf(out, "Run %s: %s", run.ID, run.Status)
	if run.Reason != "" {
		_, _ = fmt.Fprintf(out, " (%s)", run.Reason)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "  total=%d done=%d failed=%d pending=%d skipped=%d\n",
		s.Total, s.Done, s.Failed, s.Pending, s.Skipped)
	if len(s.FailureReasons) > 0 {
		b, _ := json.Marshal(s.FailureReasons)
		_, _ = fmt.Fprintf(out, "  failures=%s\n", b)
	}
	_, _ = fmt.Fprintf(out, "  validation: valid=%d warnings=%d structure=%d content=%d serialization=%d\n",
		s.Validation.Valid, s.Validation.Warnings, s.Validation.Structure,
		s.Validation.Content, s.Validation.Serialization)
	_, _ = fmt.Fprintf(out, "  tokens: in=%d out=%d cost=$%.4f\n",
		s.Usage.InputTokens, s.Usage.OutputTokens, s.Usage.Cost)
}

func init() {
	enrichCmd.Flags().BoolVar(&enrichOffline, "offline", false, "use the offline stub provider")
	enrichCmd.Flags().IntVar(&enrichMaxRetries, "max-retries", 0, "override enrich.max_retries for this run")
	enrichCmd.Flags().BoolVar(&enrichNoValidate, "no-validate", false, "accept responses without content validation")
	enrichCmd.Flags().StringVarP(&enrichOutput, "output", "o", "", "export this run's results to a file")
	enrichCmd.Flags().StringVar(&enrichFormat, "format", "", "export format: jsonl, csv or xlsx (default from extension)")
	enrichCmd.Flags().DurationVar(&enrichDrainWait, "drain-timeout", 2*time.Minute, "how long to wait for in-flight requests after an interrupt")
	rootCmd.AddCommand(enrichCmd)
}
