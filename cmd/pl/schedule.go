package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/pressline/internal/localtime"
	"github.com/zulandar/pressline/internal/scheduler"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Scheduling commands",
	}

	cmd.AddCommand(newScheduleRunCmd())
	return cmd
}

func newScheduleRunCmd() *cobra.Command {
	var (
		configPath  string
		jobIDs      []string
		all         bool
		dryRun      bool
		proposed    bool
		onlyIfUnset bool
		startFrom   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling engine",
		Long: `Runs a scheduling pass: either incremental for the given jobs (--job,
repeatable) or a full reschedule of every eligible job (--all).
--start-from is interpreted in the configured display timezone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(jobIDs) > 0) {
				return fmt.Errorf("exactly one of --job or --all is required")
			}

			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			cal, err := calendarFromConfig(cfg)
			if err != nil {
				return err
			}

			mode := scheduler.ModeFull
			if len(jobIDs) > 0 {
				mode = scheduler.ModeSingle
			}
			req := scheduler.NewRequest(mode)
			req.JobIDs = jobIDs
			req.Commit = !dryRun
			req.AsProposed = proposed
			req.OnlyIfUnset = onlyIfUnset

			if startFrom != "" {
				conv, err := localtime.New(cfg.Calendar.Timezone)
				if err != nil {
					return err
				}
				from, err := conv.ParseLocal(startFrom)
				if err != nil {
					return fmt.Errorf("--start-from: %w", err)
				}
				req.StartFrom = from
			}

			res, err := scheduler.New(gormDB, cal).Run(req)
			if err != nil {
				return err
			}

			printRunResult(cmd.OutOrStdout(), res)
			if !res.OK {
				return fmt.Errorf("scheduling failed: %s", res.ErrorCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	cmd.Flags().StringArrayVar(&jobIDs, "job", nil, "job ID to schedule (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "full reschedule of all eligible jobs")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the plan without writing anything")
	cmd.Flags().BoolVar(&proposed, "proposed", true, "mark written schedules as proposed rather than confirmed")
	cmd.Flags().BoolVar(&onlyIfUnset, "only-if-unset", true, "skip stages that already carry a schedule")
	cmd.Flags().StringVar(&startFrom, "start-from", "", "earliest start, \"2006-01-02 15:04\" in display timezone")
	return cmd
}

// printRunResult renders one engine result for the terminal.
func printRunResult(out io.Writer, res *scheduler.Result) {
	if res.OK {
		fmt.Fprintf(out, "Scheduled %d stage(s), wrote %d slot(s)\n", res.ScheduledCount, res.WroteSlots)
	} else {
		fmt.Fprintf(out, "Scheduling failed [%s]: %s\n", res.ErrorCode, res.Err)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(out, "  failed: job %s stage %s [%s] %s\n", f.JobID, f.StageID, f.Code, f.Detail)
	}
	for _, plan := range res.Plans {
		for _, p := range plan.Placements {
			label := plan.Stage.Name
			if label == "" {
				label = plan.Stage.ID
			}
			if len(plan.Placements) > 1 {
				label = fmt.Sprintf("%s (part %d/%d)", label, p.PartIndex+1, len(plan.Placements))
			}
			fmt.Fprintf(out, "  %s: %s  %s - %s (%dm)\n",
				plan.Stage.JobID, label,
				p.Start.Format("2006-01-02 15:04"), p.End.Format("15:04"), p.Minutes)
		}
	}
}
