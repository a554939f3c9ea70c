package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/popd/config"
	"github.com/migadu/popd/db"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/storage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "migrate":
		handleMigrateCommand(ctx)
	case "account":
		handleAccountCommand(ctx)
	case "deliver":
		handleDeliver(ctx)
	case "cleanup":
		handleCleanup(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`popd Admin Tool

Usage:
  popd-admin <command> [options]

Commands:
  migrate   Manage the database schema (up, down, version, force)
  account   Manage accounts (add, status)
  deliver   Store a message in an account's mailbox
  cleanup   Remove expunged messages and their bodies
  help      Show this help message

Use 'popd-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the same TOML file the server uses. Only the sections a
// command touches have to be valid.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || configPath != "config.toml" {
			logger.Fatalf("Failed to load configuration file '%s': %v", configPath, err)
		}
	}
	return cfg
}

func connectDatabase(ctx context.Context, cfg config.Config) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

func connectStorage(cfg config.Config) *storage.S3Storage {
	s3, err := storage.New(cfg.S3)
	if err != nil {
		logger.Fatalf("Failed to initialize S3 storage: %v", err)
	}
	return s3
}
