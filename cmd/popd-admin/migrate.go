package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/migadu/popd/db"
	"github.com/migadu/popd/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Run while popd is stopped. A database lock keeps two migrations from
running at the same time.

Usage:
  popd-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  popd-admin migrate up
  popd-admin migrate down --limit 2
  popd-admin migrate down --all
  popd-admin migrate force 1
`)
}

func newMigrator(ctx context.Context, configPath string) *db.Migrator {
	cfg := loadConfig(configPath)
	mg, err := db.NewMigrator(ctx, &cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	return mg
}

func showVersion(mg *db.Migrator) {
	version, dirty, err := mg.Version()
	if err != nil {
		logger.Fatalf("Failed to get migration version: %v", err)
	}
	fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	mg := newMigrator(ctx, *configPath)
	defer mg.Close()

	if err := mg.Up(ctx); err != nil {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	fmt.Println("Migrations applied successfully.")
	showVersion(mg)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	if !*all && *limit <= 0 {
		logger.Fatalf("--limit must be positive")
	}

	mg := newMigrator(ctx, *configPath)
	defer mg.Close()

	steps := *limit
	if *all {
		steps = 0
	}
	if err := mg.Down(ctx, steps); err != nil {
		logger.Fatalf("Failed to revert migrations: %v", err)
	}
	fmt.Println("Migrations reverted successfully.")
	showVersion(mg)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	mg := newMigrator(ctx, *configPath)
	defer mg.Close()
	showVersion(mg)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: popd-admin migrate force [--config config.toml] <version>")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version %q: %v", fs.Arg(0), err)
	}

	mg := newMigrator(ctx, *configPath)
	defer mg.Close()

	if err := mg.Force(ctx, version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	fmt.Printf("Forced migration version to %d.\n", version)
	showVersion(mg)
}
