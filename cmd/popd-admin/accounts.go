package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/migadu/popd/db"
	"github.com/migadu/popd/logger"
)

func handleAccountCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printAccountUsage()
		os.Exit(1)
	}

	switch os.Args[2] {
	case "add":
		handleAccountAdd(ctx)
	case "status":
		handleAccountStatus(ctx)
	case "help", "--help", "-h":
		printAccountUsage()
	default:
		fmt.Printf("Unknown account subcommand: %s\n\n", os.Args[2])
		printAccountUsage()
		os.Exit(1)
	}
}

func printAccountUsage() {
	fmt.Printf(`Account Management

Usage:
  popd-admin account <subcommand> [options]

Subcommands:
  add      Create an account with an INBOX
  status   Set an account's status (active, locked, maintenance, closed)

Examples:
  popd-admin account add --name alice --password secret --lifetime-days 90
  popd-admin account status --name alice --status locked
`)
}

func handleAccountAdd(ctx context.Context) {
	fs := flag.NewFlagSet("account add", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Account name (required)")
	password := fs.String("password", "", "Account password (required)")
	admin := fs.Bool("admin", false, "Allow the account to log in on behalf of other accounts")
	lifetimeDays := fs.Int("lifetime-days", 0, "Message retention in days (0 = unlimited)")
	fs.Parse(os.Args[3:])

	if *name == "" || *password == "" {
		fs.Usage()
		os.Exit(1)
	}
	if *lifetimeDays < 0 {
		logger.Fatalf("--lifetime-days must not be negative")
	}

	database := connectDatabase(ctx, loadConfig(*configPath))
	defer database.Close()

	id, err := database.CreateAccount(ctx, db.CreateAccountRequest{
		Name:                *name,
		Password:            *password,
		IsAdmin:             *admin,
		MessageLifetimeDays: *lifetimeDays,
	})
	if err != nil {
		logger.Fatalf("Failed to create account: %v", err)
	}
	fmt.Printf("Account %s created with ID %d.\n", *name, id)
}

func handleAccountStatus(ctx context.Context) {
	fs := flag.NewFlagSet("account status", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Account name (required)")
	status := fs.String("status", "", "New status (required)")
	fs.Parse(os.Args[3:])

	if *name == "" || *status == "" {
		fs.Usage()
		os.Exit(1)
	}

	database := connectDatabase(ctx, loadConfig(*configPath))
	defer database.Close()

	if err := database.SetAccountStatus(ctx, *name, *status); err != nil {
		logger.Fatalf("Failed to set account status: %v", err)
	}
	fmt.Printf("Account %s is now %s.\n", *name, *status)
}
