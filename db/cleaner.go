package db

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/popd/logger"
)

// PurgedObject identifies a message body that no live row references any
// more and can be removed from object storage.
type PurgedObject struct {
	AccountID   int64
	ContentHash string
}

// PurgeExpungedMessages deletes message rows expunged before now-grace and
// returns the bodies that became unreferenced as a result.
func (db *Database) PurgeExpungedMessages(ctx context.Context, grace time.Duration) ([]PurgedObject, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM messages
		WHERE expunged_at IS NOT NULL AND expunged_at < NOW() - make_interval(secs => $1)
		RETURNING account_id, content_hash
	`, grace.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to purge expunged messages: %w", err)
	}

	seen := make(map[PurgedObject]struct{})
	var accountIDs []int64
	var hashes []string
	for rows.Next() {
		var p PurgedObject
		if err := rows.Scan(&p.AccountID, &p.ContentHash); err != nil {
			rows.Close()
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		accountIDs = append(accountIDs, p.AccountID)
		hashes = append(hashes, p.ContentHash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var purged []PurgedObject
	if len(hashes) > 0 {
		// Bodies delivered more than once stay while any copy is still live.
		rows, err = tx.Query(ctx, `
			SELECT u.account_id, u.content_hash
			FROM unnest($1::bigint[], $2::text[]) AS u(account_id, content_hash)
			WHERE NOT EXISTS (
				SELECT 1 FROM messages m
				WHERE m.account_id = u.account_id AND m.content_hash = u.content_hash
			)
		`, accountIDs, hashes)
		if err != nil {
			return nil, fmt.Errorf("failed to find unreferenced bodies: %w", err)
		}
		for rows.Next() {
			var p PurgedObject
			if err := rows.Scan(&p.AccountID, &p.ContentHash); err != nil {
				rows.Close()
				return nil, err
			}
			purged = append(purged, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purge: %w", err)
	}
	logger.Info("Database: purged expunged messages", "rows", len(seen), "unreferenced_objects", len(purged), "grace", grace)
	return purged, nil
}
