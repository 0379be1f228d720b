package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/pressline/internal/api"
	"github.com/zulandar/pressline/internal/notify"
	"github.com/zulandar/pressline/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Long: `Runs the HTTP API plus, when configured, the periodic full-reschedule
cron and the Slack notifier. Blocks until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			cal, err := calendarFromConfig(cfg)
			if err != nil {
				return err
			}

			var notifier *notify.Notifier
			if cfg.Notify.SlackToken != "" {
				notifier, err = notify.New(notify.Opts{
					Token:   cfg.Notify.SlackToken,
					Channel: cfg.Notify.SlackChannel,
				})
				if err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()

			if cfg.Scheduler.RescheduleCron != "" {
				engine := scheduler.New(gormDB, cal)
				c := cron.New()
				_, err := c.AddFunc(cfg.Scheduler.RescheduleCron, func() {
					res, err := engine.Run(scheduler.NewRequest(scheduler.ModeFull))
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "full reschedule failed: %v\n", err)
						return
					}
					fmt.Fprintf(out, "Full reschedule: %d stage(s), %d slot(s)\n",
						res.ScheduledCount, res.WroteSlots)
					if notifier != nil {
						if err := notifier.RunSummary(res); err != nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "slack notification failed: %v\n", err)
						}
					}
				})
				if err != nil {
					return fmt.Errorf("reschedule cron %q: %w", cfg.Scheduler.RescheduleCron, err)
				}
				c.Start()
				defer c.Stop()
				fmt.Fprintf(out, "Full reschedule scheduled: %s\n", cfg.Scheduler.RescheduleCron)
			}

			if port <= 0 {
				port = cfg.API.Port
			}
			return api.Start(ctx, api.StartOpts{
				DB:       gormDB,
				Config:   cfg,
				Calendar: cal,
				Port:     port,
				Notifier: notifier,
				Out:      out,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}
