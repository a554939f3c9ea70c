package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/identity"
	"github.com/migadu/popd/logger"
)

// accountRow mirrors a row of the accounts table.
type accountRow struct {
	ID                  int64
	Name                string
	Password            string
	Status              string
	POP3Enabled         bool
	IsAdmin             bool
	MustChangePassword  bool
	MessageLifetimeDays int
}

func (r *accountRow) toAccount() *identity.Account {
	return &identity.Account{
		ID:              r.ID,
		Name:            r.Name,
		Status:          r.Status,
		POP3Enabled:     r.POP3Enabled,
		IsAdmin:         r.IsAdmin,
		MessageLifetime: time.Duration(r.MessageLifetimeDays) * 24 * time.Hour,
	}
}

const accountColumns = `id, name, password, status, pop3_enabled, is_admin, must_change_password, message_lifetime_days`

func scanAccount(row pgx.Row) (*accountRow, error) {
	var r accountRow
	err := row.Scan(&r.ID, &r.Name, &r.Password, &r.Status, &r.POP3Enabled, &r.IsAdmin, &r.MustChangePassword, &r.MessageLifetimeDays)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (db *Database) accountByName(ctx context.Context, name string) (*accountRow, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	r, err := scanAccount(db.ReadPool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE name = $1`, normalizeName(name)))
	observeQuery("account_by_name", "read", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNoSuchAccount
		}
		return nil, fmt.Errorf("database error fetching account: %w", err)
	}
	return r, nil
}

// Authenticate implements identity.Provider.
func (db *Database) Authenticate(ctx context.Context, username, authID, secret, mechanism string) (*identity.Account, error) {
	if authID == "" {
		authID = username
	}
	if normalizeName(username) == "" {
		return nil, identity.ErrNoSuchAccount
	}

	auth, err := db.accountByName(ctx, authID)
	if err != nil {
		return nil, err
	}

	target := auth
	if normalizeName(username) != auth.Name {
		target, err = db.accountByName(ctx, username)
		if err != nil {
			return nil, err
		}
	}

	if err := authorize(auth, target, secret, mechanism); err != nil {
		logger.Info("Database: login rejected", "user", username, "authid", authID, "mechanism", mechanism, "reason", err)
		return nil, err
	}
	return target.toAccount(), nil
}

// authorize applies the login rules to the authenticating account and the
// account the session will be bound to. The secret is checked first so
// that an account's status is never revealed to a caller that does not know
// the password.
func authorize(auth, target *accountRow, secret, mechanism string) error {
	if mechanism != identity.MechanismGSSAPI {
		if err := verifyPassword(auth.Password, secret); err != nil {
			if !errors.Is(err, errPasswordMismatch) {
				logger.Warn("Database: unusable password hash", "account", auth.Name, "error", err)
			}
			return identity.ErrAuthFailed
		}
	}

	if err := checkStatus(auth); err != nil {
		return err
	}
	if auth.MustChangePassword {
		return identity.ErrPasswordExpired
	}

	if target.ID != auth.ID {
		if !auth.IsAdmin {
			return identity.ErrAuthFailed
		}
		if err := checkStatus(target); err != nil {
			return err
		}
	}

	if !target.POP3Enabled {
		return identity.ErrPOP3Disabled
	}
	return nil
}

func checkStatus(r *accountRow) error {
	switch r.Status {
	case identity.StatusActive:
		return nil
	case identity.StatusMaintenance:
		return identity.ErrMaintenance
	default:
		return identity.ErrAuthFailed
	}
}

// LookupAccount implements identity.Provider.
func (db *Database) LookupAccount(ctx context.Context, id int64) (*identity.Account, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	r, err := scanAccount(db.ReadPool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	observeQuery("account_by_id", "read", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNoSuchAccount
		}
		return nil, fmt.Errorf("database error fetching account %d: %w", id, err)
	}
	return r.toAccount(), nil
}

// CreateAccountRequest describes a new account.
type CreateAccountRequest struct {
	Name                string
	Password            string
	IsAdmin             bool
	MessageLifetimeDays int
}

// CreateAccount inserts an account together with its INBOX and returns the
// new account ID.
func (db *Database) CreateAccount(ctx context.Context, req CreateAccountRequest) (int64, error) {
	name := normalizeName(req.Name)
	if name == "" {
		return 0, errors.New("account name cannot be empty")
	}
	if req.Password == "" {
		return 0, errors.New("password cannot be empty")
	}
	if req.MessageLifetimeDays < 0 {
		return 0, errors.New("message lifetime cannot be negative")
	}

	hash, err := GenerateBcryptHash(req.Password)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (name, password, is_admin, message_lifetime_days)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, name, hash, req.IsAdmin, req.MessageLifetimeDays).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateAccount
		}
		return 0, fmt.Errorf("failed to insert account: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO mailboxes (account_id, name) VALUES ($1, $2)`, id, consts.MailboxInbox); err != nil {
		return 0, fmt.Errorf("failed to create inbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit account creation: %w", err)
	}
	logger.Info("Database: account created", "account", name, "id", id)
	return id, nil
}

// SetAccountStatus changes the status of an account.
func (db *Database) SetAccountStatus(ctx context.Context, name, status string) error {
	switch status {
	case identity.StatusActive, identity.StatusLocked, identity.StatusMaintenance, identity.StatusClosed:
	default:
		return fmt.Errorf("invalid account status %q", status)
	}

	tag, err := db.WritePool.Exec(ctx, `UPDATE accounts SET status = $1, updated_at = NOW() WHERE name = $2`, status, normalizeName(name))
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
