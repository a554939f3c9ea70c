package consts

import "errors"

var (
	ErrMailboxNotFound     = errors.New("mailbox not found")
	ErrMessageNotAvailable = errors.New("message not available")
	ErrInternalError       = errors.New("internal error")

	ErrCacheMiss       = errors.New("cache miss")
	ErrCacheCorrupt    = errors.New("cached object does not match its content hash")
	ErrObjectTooLarge  = errors.New("object exceeds size limit")
	ErrTLSNotAvailable = errors.New("TLS not available")
)
