// Package executor runs verified, parameterized SQL against the analytical
// store with a bounded timeout.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/seanankenbruck/impact-query/internal/config"
	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/sqlgen"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultMaxRows = 10000
)

// Row is one result row keyed by column alias
type Row map[string]interface{}

// Executor runs generated queries
type Executor interface {
	Execute(ctx context.Context, q *sqlgen.GeneratedQuery) ([]Row, error)
	Ping(ctx context.Context) error
	Close() error
}

// PostgresExecutor runs postgres-dialect queries through database/sql.
// Every query runs in a read-only transaction with a server-side statement
// timeout matching the client-side deadline.
type PostgresExecutor struct {
	db      *sql.DB
	timeout time.Duration
	maxRows int
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures a PostgresExecutor
type Option func(*PostgresExecutor)

// WithTimeout bounds each execution
func WithTimeout(d time.Duration) Option {
	return func(e *PostgresExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxRows caps how many rows are read back
func WithMaxRows(n int) Option {
	return func(e *PostgresExecutor) {
		if n > 0 {
			e.maxRows = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(e *PostgresExecutor) {
		e.logger = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(e *PostgresExecutor) {
		e.metrics = m
	}
}

// NewPostgresExecutor opens and pings the analytical store
func NewPostgresExecutor(cfg config.DatabaseConfig, opts ...Option) (*PostgresExecutor, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgresExecutorWithDB(db, opts...), nil
}

// NewPostgresExecutorWithDB wraps an existing pool
func NewPostgresExecutorWithDB(db *sql.DB, opts ...Option) *PostgresExecutor {
	e := &PostgresExecutor{
		db:      db,
		timeout: DefaultTimeout,
		maxRows: DefaultMaxRows,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NewLogger("executor")
	}
	if e.metrics == nil {
		e.metrics = observability.NewNopMetrics()
	}
	return e
}

// Execute runs q and returns its rows
func (e *PostgresExecutor) Execute(ctx context.Context, q *sqlgen.GeneratedQuery) ([]Row, error) {
	if q == nil {
		return nil, apperrors.NewValidationError("query", "query is required")
	}
	if q.Dialect != sqlgen.Postgres {
		return nil, apperrors.NewValidationError("dialect",
			fmt.Sprintf("the postgres executor cannot run %s queries", q.Dialect))
	}

	start := time.Now()
	defer func() {
		e.metrics.ExecutionDuration.WithLabelValues(string(q.Dialect)).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.run(ctx, q)
	if err != nil {
		return nil, e.mapError(ctx, err)
	}

	e.logger.Debug(ctx, "query executed", map[string]interface{}{
		"rows":        len(rows),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return rows, nil
}

func (e *PostgresExecutor) run(ctx context.Context, q *sqlgen.GeneratedQuery) ([]Row, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", e.timeout.Milliseconds())); err != nil {
		return nil, err
	}

	rs, err := tx.QueryContext(ctx, q.SQL, q.Args()...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	return scanRows(rs, e.maxRows)
}

func scanRows(rs *sql.Rows, maxRows int) ([]Row, error) {
	columns, err := rs.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	for rs.Next() {
		if len(out) >= maxRows {
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

// mapError turns driver failures into typed errors. A deadline hit inside
// the execution bound is a timeout; a cancelled caller is passed through.
func (e *PostgresExecutor) mapError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || isStatementTimeout(err) {
		e.logger.Warn(ctx, "query execution timed out", map[string]interface{}{
			"timeout_ms": e.timeout.Milliseconds(),
		})
		return apperrors.NewQueryTimeoutError(err, e.timeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	e.logger.Error(ctx, "query execution failed", err, nil)
	return apperrors.NewDatabaseError(err, "execute")
}

// query_canceled, raised when statement_timeout fires server-side
const pqQueryCanceled = "57014"

func isStatementTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqQueryCanceled
}

// Ping tests the database connection
func (e *PostgresExecutor) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Close closes the database connection
func (e *PostgresExecutor) Close() error {
	return e.db.Close()
}
