package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/pressline/internal/job"
	"github.com/zulandar/pressline/internal/localtime"
	"github.com/zulandar/pressline/internal/notify"
	"github.com/zulandar/pressline/internal/scheduler"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Job management commands",
	}

	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobApproveCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var (
		configPath  string
		title       string
		customer    string
		description string
		workflow    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new job from a workflow template",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			j, err := job.Create(gormDB, cfg, job.CreateOpts{
				Title:       title,
				Customer:    customer,
				Description: description,
				Workflow:    workflow,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created job %s with %d stages\n", j.ID, len(j.Stages))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	cmd.Flags().StringVar(&title, "title", "", "job title (required)")
	cmd.Flags().StringVar(&customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&description, "description", "", "detailed description")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow template name (required)")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("workflow")
	return cmd
}

func newJobListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		customer   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			conv, err := localtime.New(cfg.Calendar.Timezone)
			if err != nil {
				return err
			}

			jobs, err := job.List(gormDB, job.ListFilters{Status: status, Customer: customer})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tCUSTOMER\tSTATUS\tAPPROVED")
			for i := range jobs {
				j := &jobs[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Title, j.Customer, j.Status, formatLocal(conv, j.ApprovedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&customer, "customer", "", "filter by customer")
	return cmd
}

func newJobShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its stage schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			conv, err := localtime.New(cfg.Calendar.Timezone)
			if err != nil {
				return err
			}

			j, err := job.Get(gormDB, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:      %s\n", j.ID)
			fmt.Fprintf(out, "Title:    %s\n", j.Title)
			if j.Customer != "" {
				fmt.Fprintf(out, "Customer: %s\n", j.Customer)
			}
			fmt.Fprintf(out, "Status:   %s\n", j.Status)
			fmt.Fprintf(out, "Approved: %s\n\n", formatLocal(conv, j.ApprovedAt))

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tSTAGE\tRESOURCE\tEST\tSTATUS\tSTART\tEND\tPART")
			for i := range j.Stages {
				st := &j.Stages[i]
				part := "-"
				if st.TotalParts > 1 {
					part = fmt.Sprintf("%d/%d", st.PartIndex+1, st.TotalParts)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%dm\t%s\t%s\t%s\t%s\n",
					st.SequenceOrder, st.Name, st.ResourceID, st.EstimatedMinutes,
					st.Status, formatLocal(conv, st.ScheduledStart), formatLocal(conv, st.ScheduledEnd), part)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	return cmd
}

func newJobApproveCmd() *cobra.Command {
	var (
		configPath string
		noSchedule bool
	)

	cmd := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a job and schedule it",
		Long:  "Approves a draft job, fixing its queue position, and immediately runs an incremental scheduling pass for it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			j, err := job.Approve(gormDB, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Approved job %s\n", j.ID)

			if noSchedule {
				return nil
			}

			cal, err := calendarFromConfig(cfg)
			if err != nil {
				return err
			}
			req := scheduler.NewRequest(scheduler.ModeSingle)
			req.JobIDs = []string{j.ID}
			res, err := scheduler.New(gormDB, cal).Run(req)
			if err != nil {
				return err
			}
			printRunResult(out, res)

			if cfg.Notify.SlackToken != "" {
				n, err := notify.New(notify.Opts{Token: cfg.Notify.SlackToken, Channel: cfg.Notify.SlackChannel})
				if err != nil {
					return err
				}
				if err := n.JobApproved(j); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: slack notification failed: %v\n", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "approve without running the scheduler")
	return cmd
}
