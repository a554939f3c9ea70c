// Package storage keeps message bodies in an S3 compatible bucket.
//
// Bodies are content addressed: the object key is the owning account ID
// followed by the BLAKE3 hash of the raw message, so a message delivered
// twice to the same account is stored once. With encryption enabled bodies
// are sealed with AES-256-GCM before upload, the random nonce stored in
// front of the ciphertext.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/migadu/popd/config"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
)

type S3Storage struct {
	client *minio.Client
	bucket string
	aead   cipher.AEAD // nil when bodies are stored in the clear
}

// New connects to the bucket described by cfg. It does not check that the
// bucket exists; see EnsureBucket.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client for %s: %w", cfg.Endpoint, err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stderr)
	}

	s := &S3Storage{client: client, bucket: cfg.Bucket}
	if cfg.Encrypt {
		if s.aead, err = newAEAD(cfg.EncryptionKey); err != nil {
			return nil, err
		}
		logger.Info("Storage: client-side encryption enabled", "bucket", cfg.Bucket)
	}
	return s, nil
}

// newAEAD builds the AES-256-GCM cipher from a hex encoded 32 byte key.
func newAEAD(hexKey string) (cipher.AEAD, error) {
	if hexKey == "" {
		return nil, errors.New("encryption_key is required when encrypt is set")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption_key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption_key must be 32 bytes (64 hex characters), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Key returns the object key of a message body.
func Key(accountID int64, contentHash string) string {
	return fmt.Sprintf("%d/%s", accountID, contentHash)
}

// EnsureBucket fails unless the configured bucket exists and is reachable.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// Put uploads a body. size is the length of the plain body.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) (err error) {
	defer observe("put", time.Now(), &err)

	if s.aead != nil {
		plain, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read body of %s: %w", key, err)
		}
		sealed, err := s.seal(plain)
		if err != nil {
			return err
		}
		body, size = bytes.NewReader(sealed), int64(len(sealed))
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{SendContentMd5: true})
	return err
}

// Get opens a body for reading. A missing object is reported here, before
// any data is read; check it with IsNotFound.
func (s *S3Storage) Get(ctx context.Context, key string) (_ io.ReadCloser, err error) {
	defer observe("get", time.Now(), &err)

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat issues the request.
	if _, err := object.Stat(); err != nil {
		object.Close()
		return nil, err
	}
	if s.aead == nil {
		return object, nil
	}

	defer object.Close()
	sealed, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// Delete removes a body. Removing a key that does not exist succeeds.
func (s *S3Storage) Delete(ctx context.Context, key string) (err error) {
	defer observe("delete", time.Now(), &err)
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// IsNotFound reports whether err means the requested object does not exist.
func IsNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if !errors.As(err, &minioErr) {
		return false
	}
	return minioErr.Code == "NoSuchKey" || minioErr.StatusCode == http.StatusNotFound
}

func (s *S3Storage) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *S3Storage) open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, errors.New("object shorter than nonce and tag")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

func observe(operation string, start time.Time, errp *error) {
	metrics.S3OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.S3OperationsTotal.WithLabelValues(operation, outcome(*errp)).Inc()
}

// outcome buckets an S3 error for the operations counter.
func outcome(err error) string {
	var minioErr minio.ErrorResponse
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsNotFound(err):
		return "not_found"
	case errors.As(err, &minioErr):
		switch minioErr.Code {
		case "AccessDenied":
			return "access_denied"
		case "SlowDown", "RequestLimitExceeded":
			return "throttled"
		}
		if minioErr.StatusCode >= 500 {
			return "server_error"
		}
		return "client_error"
	default:
		return "error"
	}
}
