package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/pressline/internal/notify"
	"github.com/zulandar/pressline/internal/validate"
)

func newValidateCmd() *cobra.Command {
	var (
		configPath string
		slack      bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the persisted schedule for violations",
		Long: `Checks every scheduled stage for precedence breaches and same-resource
overlaps. Findings are advisory: they are reported for human review and
never block scheduling.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			vs, err := validate.Run(gormDB)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(vs) == 0 {
				fmt.Fprintln(out, "Schedule is clean: no violations found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tJOB\tSTAGE\tDETAIL")
			for _, v := range vs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Kind, v.JobID, v.StageID, v.Detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if slack && cfg.Notify.SlackToken != "" {
				n, err := notify.New(notify.Opts{Token: cfg.Notify.SlackToken, Channel: cfg.Notify.SlackChannel})
				if err != nil {
					return err
				}
				if err := n.Violations(vs); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	cmd.Flags().BoolVar(&slack, "slack", false, "post findings to the configured Slack channel")
	return cmd
}
