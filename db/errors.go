package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrDuplicateAccount indicates that an account with the given name already exists
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrAccountNotFound is returned by administrative operations on a missing account
	ErrAccountNotFound = errors.New("account not found")
)
