package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/popd/config"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
)

const poolStatsInterval = 15 * time.Second

// Database holds the PostgreSQL pools. Reads go to ReadPool, which is the
// write pool itself unless a read endpoint is configured.
type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool

	queryTimeout time.Duration
}

func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, errors.New("write database configuration is required")
	}
	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	db := &Database{queryTimeout: queryTimeout}
	if db.WritePool, err = openPool(ctx, dbConfig.Write, dbConfig.LogQueries, "write"); err != nil {
		return nil, err
	}
	db.ReadPool = db.WritePool
	if dbConfig.Read != nil {
		if db.ReadPool, err = openPool(ctx, dbConfig.Read, dbConfig.LogQueries, "read"); err != nil {
			db.WritePool.Close()
			return nil, err
		}
	}
	return db, nil
}

// pools returns each distinct pool with its role label.
func (db *Database) pools() map[string]*pgxpool.Pool {
	pools := map[string]*pgxpool.Pool{"write": db.WritePool}
	if db.ReadPool != db.WritePool {
		pools["read"] = db.ReadPool
	}
	return pools
}

func (db *Database) Close() {
	for _, pool := range db.pools() {
		pool.Close()
	}
}

// Ping checks that every pool can reach its server.
func (db *Database) Ping(ctx context.Context) error {
	for role, pool := range db.pools() {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("%s pool: %w", role, err)
		}
	}
	return nil
}

// StartPoolMetrics exports pool statistics until ctx is done.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(poolStatsInterval)
		defer ticker.Stop()
		for {
			for role, pool := range db.pools() {
				stat := pool.Stat()
				metrics.DBPoolTotalConns.WithLabelValues(role).Set(float64(stat.TotalConns()))
				metrics.DBPoolIdleConns.WithLabelValues(role).Set(float64(stat.IdleConns()))
				metrics.DBPoolInUseConns.WithLabelValues(role).Set(float64(stat.AcquiredConns()))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// withTimeout bounds a single query by the configured query timeout.
func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// connString builds the connection URL for an endpoint and returns it with
// the host:port it picked. With several hosts one is chosen at random; a
// port given in the host entry wins over the port setting.
func connString(endpoint *config.DatabaseEndpointConfig) (string, string, error) {
	if len(endpoint.Hosts) == 0 {
		return "", "", errors.New("at least one database host must be specified")
	}
	host := endpoint.Hosts[rand.IntN(len(endpoint.Hosts))]
	if _, _, err := net.SplitHostPort(host); err != nil {
		port, err := endpoint.GetPort()
		if err != nil {
			return "", "", err
		}
		host = net.JoinHostPort(host, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(endpoint.User, endpoint.Password),
		Host:     host,
		Path:     "/" + endpoint.Name,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String(), host, nil
}

func openPool(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, role string) (*pgxpool.Pool, error) {
	dsn, host, err := connString(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s pool: %w", role, err)
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s pool: invalid connection settings: %w", role, err)
	}
	if logQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	if poolConfig.MaxConnLifetime, err = endpoint.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("%s pool: invalid max_conn_lifetime: %w", role, err)
	}
	if poolConfig.MaxConnIdleTime, err = endpoint.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("%s pool: invalid max_conn_idle_time: %w", role, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%s pool: %w", role, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s pool: cannot reach %s: %w", role, host, err)
	}

	logger.Info("Database: connected", "pool", role, "host", host, "database", endpoint.Name,
		"tls", endpoint.TLSMode, "max_conns", poolConfig.MaxConns)
	return pool, nil
}

// timedTx records the transaction outcome and duration when it ends.
type timedTx struct {
	pgx.Tx
	start time.Time
	done  bool
}

// BeginTx starts a write transaction.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &timedTx{Tx: tx, start: time.Now()}, nil
}

func (tx *timedTx) Commit(ctx context.Context) error {
	err := tx.Tx.Commit(ctx)
	outcome := "commit"
	if err != nil {
		// A failed commit rolls the transaction back.
		outcome = "rollback"
	}
	tx.finish(outcome)
	return err
}

// Rollback after Commit is a no-op and is not recorded again.
func (tx *timedTx) Rollback(ctx context.Context) error {
	err := tx.Tx.Rollback(ctx)
	tx.finish("rollback")
	return err
}

func (tx *timedTx) finish(outcome string) {
	if tx.done {
		return
	}
	tx.done = true
	metrics.DBTransactionsTotal.WithLabelValues(outcome).Inc()
	metrics.DBTransactionDuration.Observe(time.Since(tx.start).Seconds())
}

// observeQuery records the duration and outcome of a query.
func observeQuery(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}
