package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/popd/config"
	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// migrationLogger adapts the package logger to migrate.Logger.
type migrationLogger struct {
	verbose bool
}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("Migrate: "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return l.verbose
}

// Migrator applies the embedded schema migrations to the write endpoint.
type Migrator struct {
	m     *migrate.Migrate
	sqlDB *sql.DB
}

// NewMigrator opens a database/sql connection to the write endpoint and
// prepares a migrate instance over the embedded migrations.
func NewMigrator(ctx context.Context, dbConfig *config.DatabaseConfig) (*Migrator, error) {
	if dbConfig.Write == nil {
		return nil, errors.New("write database configuration is required")
	}
	dsn, _, err := connString(dbConfig.Write)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m, err := newMigrateInstance(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &Migrator{m: m, sqlDB: sqlDB}, nil
}

func newMigrateInstance(sqlDB *sql.DB) (*migrate.Migrate, error) {
	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, nil
}

// Close releases the migration connection.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	sqlErr := mg.sqlDB.Close()
	return errors.Join(srcErr, dbErr, sqlErr)
}

// Up applies all pending migrations. The advisory lock keeps two
// processes from migrating at the same time.
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.withLock(ctx, func() error {
		if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
}

// Down reverts the given number of migrations; steps <= 0 reverts all.
func (mg *Migrator) Down(ctx context.Context, steps int) error {
	return mg.withLock(ctx, func() error {
		var err error
		if steps <= 0 {
			err = mg.m.Down()
		} else {
			err = mg.m.Steps(-steps)
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
}

// Force sets the recorded version without running migrations, to recover
// from a dirty state.
func (mg *Migrator) Force(ctx context.Context, version int) error {
	return mg.withLock(ctx, func() error {
		return mg.m.Force(version)
	})
}

// Version returns the current schema version. A database without any
// applied migration reports version 0.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (mg *Migrator) withLock(ctx context.Context, fn func() error) error {
	conn, err := mg.sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := conn.QueryRowContext(lockCtx, "SELECT pg_try_advisory_lock($1)", consts.AdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return errors.New("could not acquire migration lock; another migration is running")
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", consts.AdvisoryLockID); err != nil {
			logger.Warn("Migrate: failed to release advisory lock", "error", err)
		}
	}()

	return fn()
}

// RunMigrations applies pending migrations within the configured migration
// timeout. It is used at server startup when auto_migrate is enabled.
func RunMigrations(ctx context.Context, dbConfig *config.DatabaseConfig) error {
	timeout, err := dbConfig.GetMigrationTimeout()
	if err != nil {
		return fmt.Errorf("invalid migration_timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mg, err := NewMigrator(ctx, dbConfig)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database schema version %d is dirty; fix it with 'popd-admin migrate force'", version)
	}
	logger.Info("Database: schema up to date", "version", version)
	return nil
}
