package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/pressline/internal/capacity"
	"github.com/zulandar/pressline/internal/models"
)

func newCapacityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Capacity ledger commands",
	}

	cmd.AddCommand(newCapacityShowCmd())
	cmd.AddCommand(newCapacityResetCmd())
	return cmd
}

func newCapacityShowCmd() *cobra.Command {
	var (
		configPath string
		resource   string
		from, to   string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the capacity ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			q := gormDB.Model(&models.CapacityDay{}).Order("resource_id ASC, date ASC")
			if resource != "" {
				q = q.Where("resource_id = ?", resource)
			}
			if from != "" {
				q = q.Where("date >= ?", from)
			}
			if to != "" {
				q = q.Where("date <= ?", to)
			}

			var rows []models.CapacityDay
			if err := q.Find(&rows).Error; err != nil {
				return fmt.Errorf("load ledger: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tDATE\tCAPACITY\tCOMMITTED\tFREE")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%dm\t%dm\t%dm\n",
					r.ResourceID, r.Date, r.CapacityMinutes, r.CommittedMinutes,
					r.CapacityMinutes-r.CommittedMinutes)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	cmd.Flags().StringVar(&resource, "resource", "", "filter by resource ID")
	cmd.Flags().StringVar(&from, "from", "", "first date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last date (YYYY-MM-DD)")
	return cmd
}

func newCapacityResetCmd() *cobra.Command {
	var (
		configPath string
		resource   string
		from       string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero committed minutes from a date forward",
		Long: `Maintenance operation for recovering from bad scheduling runs: zeroes
committed minutes on ledger rows from --from forward, for one resource
or all of them. Stage schedules are not touched; rerun the scheduler
with --only-if-unset=false afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("capacity reset is destructive; confirm with --yes")
			}

			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			n, err := capacity.ResetFrom(gormDB, resource, from)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d ledger row(s) from %s\n", n, from)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	cmd.Flags().StringVar(&resource, "resource", "", "resource ID (empty = all resources)")
	cmd.Flags().StringVar(&from, "from", "", "first date to reset (YYYY-MM-DD, required)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	cmd.MarkFlagRequired("from")
	return cmd
}
