package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/adapters/datasource"
	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/logging"
)

// Executor runs validated queries under a read-only, time-bounded,
// row-capped session.
type Executor struct {
	pool    *pgxpool.Pool
	connMgr *datasource.ConnectionManager
	logger  *zap.Logger
}

// NewExecutor creates a guarded executor over a managed pool. connMgr
// may be nil for tests with a directly-owned pool.
func NewExecutor(pool *pgxpool.Pool, connMgr *datasource.ConnectionManager, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		pool:    pool,
		connMgr: connMgr,
		logger:  logger.Named("pg-executor"),
	}
}

// ExecuteReadOnly runs the normalized query inside an explicit
// read-only transaction with a statement timeout and a row cap. The
// query has already passed the safety validator; the leading-verb check
// here is a defense-in-depth second gate, not the primary one.
func (e *Executor) ExecuteReadOnly(ctx context.Context, query string, opts datasource.ReadOptions) (*datasource.Result, error) {
	if err := verifyReadVerb(query); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrExecution, err)
	}
	if opts.MaxRows <= 0 {
		return nil, fmt.Errorf("%w: row cap must be positive", apperrors.ErrExecution)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := e.acquire(execCtx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(execCtx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, e.wrapExecError(ctx, execCtx, fmt.Errorf("begin read-only transaction: %w", err))
	}
	// Rollback is always safe here: the session is read-only and
	// produces nothing to commit. A background context keeps the
	// teardown working after execCtx has been cancelled.
	defer func() {
		rollbackCtx, rollbackCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rollbackCancel()
		_ = tx.Rollback(rollbackCtx)
	}()

	if opts.Timeout > 0 {
		// Driver-level cancellation: the server aborts the statement
		// even if our context cancellation races with completion.
		timeoutMs := opts.Timeout.Milliseconds()
		if _, err := tx.Exec(execCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMs)); err != nil {
			return nil, e.wrapExecError(ctx, execCtx, fmt.Errorf("set statement timeout: %w", err))
		}
	}

	// Fetch one row past the cap so the truncation flag is exact.
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS _limited LIMIT %d", query, opts.MaxRows+1)

	start := time.Now()
	rows, err := tx.Query(execCtx, wrapped)
	if err != nil {
		return nil, e.wrapExecError(ctx, execCtx, err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: string(fd.Name),
			Type: typeNameFromOID(fd.DataTypeOID),
		}
	}

	result := &datasource.Result{
		Columns: columns,
		Rows:    make([]map[string]any, 0),
	}
	for rows.Next() {
		if len(result.Rows) >= opts.MaxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, e.wrapExecError(ctx, execCtx, fmt.Errorf("read row values: %w", err))
		}
		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		result.Rows = append(result.Rows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, e.wrapExecError(ctx, execCtx, err)
	}

	result.RowCount = len(result.Rows)
	result.Elapsed = time.Since(start)

	e.logger.Info("query executed",
		zap.Int("rows", result.RowCount),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("elapsed", result.Elapsed),
		zap.String("query", logging.SanitizeQuery(query)))

	return result, nil
}

// Close implements datasource.ReadExecutor. The pool is owned by the
// connection manager, not the executor.
func (e *Executor) Close() error {
	return nil
}

func (e *Executor) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if e.connMgr != nil {
		return e.connMgr.Acquire(ctx, e.pool)
	}
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// wrapExecError maps a driver error to the pipeline taxonomy. A
// deadline on the execution context (but not the caller's context)
// means the guard's own timeout fired.
func (e *Executor) wrapExecError(callerCtx, execCtx context.Context, err error) error {
	if execCtx.Err() != nil && callerCtx.Err() == nil {
		return fmt.Errorf("%w: query cancelled after timeout", apperrors.ErrExecutionTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrExecutionTimeout, err)
	}
	// Preserve the source's message for the caller.
	return fmt.Errorf("%w: %v", apperrors.ErrExecution, err)
}

// verifyReadVerb rejects anything whose leading word is not a read-only
// form. The safety validator already guarantees this; a mismatch here
// means a bug upstream, and the guard still refuses to run it.
func verifyReadVerb(query string) error {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	word := trimmed
	if idx := strings.IndexFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
	}); idx >= 0 {
		word = trimmed[:idx]
	}
	if word == "select" || word == "with" {
		return nil
	}
	return fmt.Errorf("refusing non-read statement")
}

// typeNameFromOID maps common PostgreSQL type OIDs to readable names.
// Unknown types return "UNKNOWN".
func typeNameFromOID(oid uint32) string {
	switch oid {
	case 16:
		return "BOOL"
	case 17:
		return "BYTEA"
	case 20:
		return "INT8"
	case 21:
		return "INT2"
	case 23:
		return "INT4"
	case 25:
		return "TEXT"
	case 114:
		return "JSON"
	case 700:
		return "FLOAT4"
	case 701:
		return "FLOAT8"
	case 1042:
		return "BPCHAR"
	case 1043:
		return "VARCHAR"
	case 1082:
		return "DATE"
	case 1083:
		return "TIME"
	case 1114:
		return "TIMESTAMP"
	case 1184:
		return "TIMESTAMPTZ"
	case 1186:
		return "INTERVAL"
	case 1700:
		return "NUMERIC"
	case 2950:
		return "UUID"
	case 3802:
		return "JSONB"
	default:
		return "UNKNOWN"
	}
}

// Ensure Executor implements datasource.ReadExecutor at compile time.
var _ datasource.ReadExecutor = (*Executor)(nil)
