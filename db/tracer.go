package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/popd/logger"
)

type traceStartKey struct{}

// queryTracer logs every statement with its duration. It is enabled by
// database.log_queries and is meant for debugging only.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("Database: query start", "sql", data.SQL, "args", len(data.Args))
	return context.WithValue(ctx, traceStartKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	var elapsed time.Duration
	if start, ok := ctx.Value(traceStartKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}
	if data.Err != nil {
		logger.Debug("Database: query failed", "duration", elapsed, "error", data.Err)
		return
	}
	logger.Debug("Database: query done", "duration", elapsed, "tag", data.CommandTag.String())
}
