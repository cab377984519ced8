package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ask-mandi/server/internal/agent/model"
	errx "github.com/ask-mandi/server/internal/core/error"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// PostgresFactory hands out one pooled connection per request.
type PostgresFactory struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresFactory(url string, timeout time.Duration) (*PostgresFactory, error) {
	f := &PostgresFactory{timeout: timeout}
	if url == "" {
		return f, nil
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errx.Config(fmt.Errorf("open postgres: %w", err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	f.db = db
	return f, nil
}

func (f *PostgresFactory) Open(ctx context.Context) (model.Executor, error) {
	if f.db == nil {
		return nil, errx.Config(fmt.Errorf("%w: DATABASE_URL is not set", ErrMissingCredentials))
	}
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, errx.Upstream(fmt.Errorf("acquire postgres connection: %w", err))
	}
	return &postgresExecutor{conn: conn, timeout: f.timeout}, nil
}

// Close closes the pool.
func (f *PostgresFactory) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}

type postgresExecutor struct {
	conn    *sql.Conn
	timeout time.Duration
}

// Execute runs query in a read-only transaction that is always rolled back.
func (e *postgresExecutor) Execute(ctx context.Context, query string) ([]model.Row, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	start := time.Now()
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	logx.Ctx(ctx).Debug().Int("rows", len(out)).Dur("elapsed", time.Since(start)).Msg("Postgres query executed")
	return out, nil
}

func (e *postgresExecutor) Close() error {
	return e.conn.Close()
}

func scanRows(rows *sql.Rows) ([]model.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []model.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, normalizeRow(cols, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// normalizeRow converts driver values to JSON-friendly ones. lib/pq returns
// numeric and text columns as []byte.
func normalizeRow(cols []string, values []any) model.Row {
	row := make(model.Row, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case []byte:
			row[col] = string(v)
		case time.Time:
			if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
				row[col] = v.Format(time.DateOnly)
			} else {
				row[col] = v.Format(time.RFC3339)
			}
		default:
			row[col] = v
		}
	}
	return row
}
