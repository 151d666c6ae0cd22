package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/spf13/cobra"
)

func migrateCmd(flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.AddCommand(migrateUpCmd(flags))
	cmd.AddCommand(migrateDownCmd(flags))
	cmd.AddCommand(migrateVersionCmd(flags))
	return cmd
}

// withMigrator opens the store without auto-migrating and hands fn a migrator.
func withMigrator(ctx context.Context, flags *Flags, fn func(*store.Migrator) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, append(storeOptions(cfg), store.WithoutMigrations())...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	mg, err := db.NewMigrator()
	if err != nil {
		return err
	}
	defer mg.Close()
	return fn(mg)
}

func migrateUpCmd(flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), flags, func(mg *store.Migrator) error {
				if err := mg.Up(); err != nil {
					return err
				}
				return printVersion(cmd, mg)
			})
		},
	}
}

func migrateDownCmd(flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "down [N]",
		Short: "Roll back N migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) > 0 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				steps = n
			}
			return withMigrator(cmd.Context(), flags, func(mg *store.Migrator) error {
				if err := mg.Down(steps); err != nil {
					return err
				}
				return printVersion(cmd, mg)
			})
		},
	}
}

func migrateVersionCmd(flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), flags, func(mg *store.Migrator) error {
				return printVersion(cmd, mg)
			})
		},
	}
}

func printVersion(cmd *cobra.Command, mg *store.Migrator) error {
	v, dirty, err := mg.Version()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", v)
	return nil
}
