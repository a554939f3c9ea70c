// Package mailstore serves POP3 mailboxes from the message index in
// PostgreSQL and the message bodies in S3, with a local read-through cache
// in front of S3.
package mailstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/db"
	"github.com/migadu/popd/helpers"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/retry"
	"github.com/migadu/popd/storage"
)

// Index lists and expunges message metadata.
type Index interface {
	ListMessages(ctx context.Context, accountID int64, query string) ([]db.Message, error)
	ExpungeMessages(ctx context.Context, accountID int64, ids []int64) (int, error)
}

// ObjectStore fetches message bodies by object key.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// BodyCache is a local cache of message bodies keyed by content hash.
type BodyCache interface {
	Get(contentHash string) ([]byte, error)
	Put(contentHash string, data []byte) error
}

type Store struct {
	index   Index
	objects ObjectStore
	cache   BodyCache
	backoff retry.BackoffConfig
}

// New creates a Store. bodyCache may be nil to always read from S3.
func New(index Index, objects ObjectStore, bodyCache BodyCache) *Store {
	return &Store{index: index, objects: objects, cache: bodyCache, backoff: retry.DefaultBackoffConfig()}
}

func (s *Store) ListMessages(ctx context.Context, accountID int64, query string) ([]db.Message, error) {
	return s.index.ListMessages(ctx, accountID, query)
}

func (s *Store) ExpungeMessages(ctx context.Context, accountID int64, ids []int64) (int, error) {
	return s.index.ExpungeMessages(ctx, accountID, ids)
}

// GetMessageContent returns the raw body of msg. A body missing from S3 is
// reported as consts.ErrMessageNotAvailable.
func (s *Store) GetMessageContent(ctx context.Context, msg db.Message) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.cache != nil {
		data, err := s.cache.Get(msg.ContentHash)
		if err == nil {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		if !errors.Is(err, consts.ErrCacheMiss) {
			logger.Warn("Mailstore: cache read failed, falling back to S3", "hash", msg.ContentHash, "error", err)
		}
	}

	key := storage.Key(msg.AccountID, msg.ContentHash)
	data, err := s.fetch(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			logger.Warn("Mailstore: message body missing from S3", "message_id", msg.ID, "key", key)
			return nil, consts.ErrMessageNotAvailable
		}
		return nil, fmt.Errorf("failed to fetch message %d from S3: %w", msg.ID, err)
	}

	if helpers.HashContent(data) != msg.ContentHash {
		// Served as stored, but never cached.
		logger.Warn("Mailstore: S3 object does not match its content hash", "message_id", msg.ID, "key", key)
	} else if s.cache != nil {
		if err := s.cache.Put(msg.ContentHash, data); err != nil && !errors.Is(err, consts.ErrObjectTooLarge) {
			logger.Warn("Mailstore: failed to cache message body", "hash", msg.ContentHash, "error", err)
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// fetch reads an object from S3, retrying transient failures.
func (s *Store) fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.WithRetry(ctx, func() error {
		reader, err := s.objects.Get(ctx, key)
		if err == nil {
			data, err = io.ReadAll(reader)
			reader.Close()
		}
		if storage.IsNotFound(err) {
			return retry.Stop(err)
		}
		return err
	}, s.backoff)
	return data, err
}
