package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/popd/config"
	"github.com/stretchr/testify/require"
)

// setupTestDatabase connects to the PostgreSQL instance described by
// config-test.toml, applies the migrations and empties all tables. Tests
// using it are skipped when no such file exists.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("skipping database test: %v", err)
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg))

	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, &cfg.Database), "failed to migrate test database")

	database, err := NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "failed to connect to test database")

	_, err = database.WritePool.Exec(ctx, `TRUNCATE messages, mailboxes, accounts RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	t.Cleanup(database.Close)
	return database
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}
