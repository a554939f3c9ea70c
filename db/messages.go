package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
)

// Message is a stored message as the POP3 server sees it.
type Message struct {
	ID           int64
	AccountID    int64
	MailboxID    int64
	UID          int64
	ContentHash  string
	Size         int64
	InternalDate time.Time
}

// mailboxID resolves the mailbox named by query for an account. An empty
// query selects the INBOX. Names compare case-insensitively.
func (db *Database) mailboxID(ctx context.Context, accountID int64, query string) (int64, error) {
	name := strings.TrimSpace(query)
	if name == "" {
		name = consts.MailboxInbox
	}

	var id int64
	start := time.Now()
	err := db.ReadPool.QueryRow(ctx, `
		SELECT id FROM mailboxes WHERE account_id = $1 AND LOWER(name) = LOWER($2)
	`, accountID, name).Scan(&id)
	observeQuery("mailbox_by_name", "read", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrMailboxNotFound
		}
		return 0, fmt.Errorf("failed to find mailbox %q: %w", name, err)
	}
	return id, nil
}

// ListMessages returns the live messages of the selected mailbox in UID
// order.
func (db *Database) ListMessages(ctx context.Context, accountID int64, query string) ([]Message, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	mailboxID, err := db.mailboxID(ctx, accountID, query)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := db.ReadPool.Query(ctx, `
		SELECT id, account_id, mailbox_id, uid, content_hash, size, internal_date
		FROM messages
		WHERE mailbox_id = $1 AND expunged_at IS NULL
		ORDER BY uid
	`, mailboxID)
	if err != nil {
		observeQuery("list_messages", "read", start, err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.AccountID, &m.MailboxID, &m.UID, &m.ContentHash, &m.Size, &m.InternalDate)
		return m, err
	})
	observeQuery("list_messages", "read", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}
	return messages, nil
}

// ExpungeMessages marks the given messages of an account as expunged and
// returns how many rows changed. Messages already expunged, or owned by
// another account, are left alone.
func (db *Database) ExpungeMessages(ctx context.Context, accountID int64, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE messages
		SET expunged_at = NOW()
		WHERE account_id = $1 AND id = ANY($2) AND expunged_at IS NULL
	`, accountID, ids)
	observeQuery("message_expunge", "write", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to expunge messages: %w", err)
	}

	n := int(tag.RowsAffected())
	logger.Info("Database: expunged messages", "account_id", accountID, "requested", len(ids), "expunged", n)
	return n, nil
}

// CreateMailbox makes sure the account has a mailbox with the given name and
// returns its ID. An existing mailbox, in any letter case, is reused.
func (db *Database) CreateMailbox(ctx context.Context, accountID int64, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("mailbox name is required")
	}

	var id int64
	start := time.Now()
	err := db.WritePool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO mailboxes (account_id, name) VALUES ($1, $2)
			ON CONFLICT (account_id, LOWER(name)) DO NOTHING
			RETURNING id
		)
		SELECT id FROM inserted
		UNION ALL
		SELECT id FROM mailboxes WHERE account_id = $1 AND LOWER(name) = LOWER($2)
		LIMIT 1
	`, accountID, name).Scan(&id)
	observeQuery("create_mailbox", "write", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to create mailbox %q: %w", name, err)
	}
	return id, nil
}

// InsertMessage records a message whose body has already been stored. The
// UID is the next free UID of the mailbox.
func (db *Database) InsertMessage(ctx context.Context, accountID int64, mailbox, contentHash string, size int64) (*Message, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	name := strings.TrimSpace(mailbox)
	if name == "" {
		name = consts.MailboxInbox
	}

	// Locking the mailbox row serializes UID allocation.
	var mailboxID int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM mailboxes WHERE account_id = $1 AND LOWER(name) = LOWER($2) FOR UPDATE
	`, accountID, name).Scan(&mailboxID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to lock mailbox: %w", err)
	}

	m := &Message{AccountID: accountID, MailboxID: mailboxID, ContentHash: contentHash, Size: size}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (account_id, mailbox_id, uid, content_hash, size)
		VALUES ($1, $2, (SELECT COALESCE(MAX(uid), 0) + 1 FROM messages WHERE mailbox_id = $2), $3, $4)
		RETURNING id, uid, internal_date
	`, accountID, mailboxID, contentHash, size).Scan(&m.ID, &m.UID, &m.InternalDate)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message insert: %w", err)
	}
	return m, nil
}

// AccountIDByName resolves an account name to its ID.
func (db *Database) AccountIDByName(ctx context.Context, name string) (int64, error) {
	r, err := db.accountByName(ctx, name)
	if err != nil {
		return 0, err
	}
	return r.ID, nil
}

// GetStoreStats counts live accounts, messages visible to POP3 and expunged
// messages still waiting for the cleanup job.
func (db *Database) GetStoreStats(ctx context.Context) (*metrics.StoreStats, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	stats := &metrics.StoreStats{}
	err := db.ReadPool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts WHERE status <> 'closed'),
			(SELECT COUNT(*) FROM messages WHERE expunged_at IS NULL),
			(SELECT COUNT(*) FROM messages WHERE expunged_at IS NOT NULL)
	`).Scan(&stats.Accounts, &stats.Messages, &stats.PendingPurge)
	observeQuery("store_stats", "read", start, err)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
