package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/pressline/internal/config"
	"github.com/zulandar/pressline/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Pressline database",
		Long:  "Creates the database (MySQL), migrates all tables and seeds the configured resources.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// SQLite files are created on open; MySQL needs the database first.
	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database.Host, cfg.Database.Port)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", cfg.Database.Host, cfg.Database.Port, err)
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedResources(gormDB, cfg.Resources); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d resources:", len(cfg.Resources))
	for _, r := range cfg.Resources {
		fmt.Fprintf(out, " %s", r.ID)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "\nPressline database initialized successfully.")
	return nil
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			if err := db.SeedResources(gormDB, cfg.Resources); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Pressline config file")
	return cmd
}
