package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/migadu/popd/helpers"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/storage"
)

// handleDeliver stores a message body in S3 and then indexes it, so a
// message never becomes visible before its body exists.
func handleDeliver(ctx context.Context) {
	fs := flag.NewFlagSet("deliver", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	account := fs.String("account", "", "Account name (required)")
	mailbox := fs.String("mailbox", "", "Mailbox name (default: INBOX)")
	createMailbox := fs.Bool("create-mailbox", false, "Create the mailbox if it does not exist")
	file := fs.String("file", "-", "Message file, '-' reads standard input")
	fs.Parse(os.Args[2:])

	if *account == "" {
		fs.Usage()
		os.Exit(1)
	}

	data, err := readMessage(*file)
	if err != nil {
		logger.Fatalf("Failed to read message: %v", err)
	}
	if len(data) == 0 {
		logger.Fatalf("Refusing to deliver an empty message")
	}

	cfg := loadConfig(*configPath)
	database := connectDatabase(ctx, cfg)
	defer database.Close()
	s3 := connectStorage(cfg)

	accountID, err := database.AccountIDByName(ctx, *account)
	if err != nil {
		logger.Fatalf("Failed to look up account %s: %v", *account, err)
	}

	if *createMailbox && *mailbox != "" {
		if _, err := database.CreateMailbox(ctx, accountID, *mailbox); err != nil {
			logger.Fatalf("Failed to create mailbox: %v", err)
		}
	}

	hash := helpers.HashContent(data)
	key := storage.Key(accountID, hash)
	if err := s3.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		logger.Fatalf("Failed to upload message body: %v", err)
	}

	msg, err := database.InsertMessage(ctx, accountID, *mailbox, hash, int64(len(data)))
	if err != nil {
		logger.Fatalf("Failed to index message: %v", err)
	}
	fmt.Printf("Delivered message %d (UID %d, %d octets) to %s.\n", msg.ID, msg.UID, msg.Size, *account)
}

func readMessage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// handleCleanup purges messages that were expunged longer than the grace
// period ago and deletes the bodies no other message references.
func handleCleanup(ctx context.Context) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	graceArg := fs.String("grace", "24h", "Keep expunged messages for this long")
	fs.Parse(os.Args[2:])

	grace, err := helpers.ParseDuration(*graceArg)
	if err != nil {
		logger.Fatalf("Invalid --grace: %v", err)
	}

	cfg := loadConfig(*configPath)
	database := connectDatabase(ctx, cfg)
	defer database.Close()
	s3 := connectStorage(cfg)

	start := time.Now()
	purged, err := database.PurgeExpungedMessages(ctx, grace)
	if err != nil {
		logger.Fatalf("Failed to purge expunged messages: %v", err)
	}

	failed := 0
	for _, obj := range purged {
		if err := s3.Delete(ctx, storage.Key(obj.AccountID, obj.ContentHash)); err != nil {
			failed++
			logger.Warn("Cleanup: failed to delete message body", "account_id", obj.AccountID, "hash", obj.ContentHash, "error", err)
		}
	}
	fmt.Printf("Removed %d unreferenced bodies (%d failed) in %s.\n", len(purged)-failed, failed, time.Since(start).Round(time.Millisecond))
}
