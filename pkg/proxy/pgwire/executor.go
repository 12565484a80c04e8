// Package pgwire terminates the PostgreSQL v3 wire protocol. A session
// authenticates with an access token in the startup `user` parameter and
// each simple-protocol Query is authorized by its leading SQL verb before
// any backend work.
//
// The same wire dialect fronts both postgres and sqlserver connectors; only
// the executor behind the session differs.
package pgwire

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/adapters/backend"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

// ResultSet is a protocol-neutral query result. All values travel as text;
// nil marks SQL NULL.
type ResultSet struct {
	Columns []string
	Rows    [][]*string
}

// QueryExecutor runs authorized statements against one connector's backend.
type QueryExecutor interface {
	// Query runs a row-returning statement.
	Query(ctx context.Context, statement string) (*ResultSet, error)
	// Exec runs a non-row statement and returns its command tag.
	Exec(ctx context.Context, statement string) (string, error)
}

// ExecutorFactory exchanges a grant for an executor, building or reusing the
// backend pool. The grant's credential handle is opened only when a new pool
// is needed.
type ExecutorFactory func(ctx context.Context, grant *services.Grant) (QueryExecutor, error)

// NewPostgresExecutorFactory serves postgres connectors from pgx pools.
func NewPostgresExecutorFactory(manager *backend.Manager) ExecutorFactory {
	return func(ctx context.Context, grant *services.Grant) (QueryExecutor, error) {
		pool, err := manager.Postgres(ctx, grant.ConnectorID, grant.Credentials)
		if err != nil {
			return nil, err
		}
		return &postgresExecutor{pool: pool}, nil
	}
}

type postgresExecutor struct {
	pool *pgxpool.Pool
}

func (e *postgresExecutor) Query(ctx context.Context, statement string) (*ResultSet, error) {
	rows, err := e.pool.Query(ctx, statement)
	if err != nil {
		return nil, mapBackendError(ctx, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := &ResultSet{Columns: make([]string, len(fields))}
	for i, fd := range fields {
		result.Columns[i] = string(fd.Name)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, mapBackendError(ctx, err)
		}
		row := make([]*string, len(values))
		for i, v := range values {
			row[i] = renderValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapBackendError(ctx, err)
	}

	return result, nil
}

func (e *postgresExecutor) Exec(ctx context.Context, statement string) (string, error) {
	tag, err := e.pool.Exec(ctx, statement)
	if err != nil {
		return "", mapBackendError(ctx, err)
	}
	return tag.String(), nil
}

// NewSQLServerExecutorFactory serves sqlserver connectors through
// database/sql with the go-mssqldb driver.
func NewSQLServerExecutorFactory(manager *backend.Manager) ExecutorFactory {
	return func(ctx context.Context, grant *services.Grant) (QueryExecutor, error) {
		db, err := manager.SQLServer(ctx, grant.ConnectorID, grant.Credentials)
		if err != nil {
			return nil, err
		}
		return &sqlServerExecutor{db: db}, nil
	}
}

type sqlServerExecutor struct {
	db *sql.DB
}

func (e *sqlServerExecutor) Query(ctx context.Context, statement string) (*ResultSet, error) {
	rows, err := e.db.QueryContext(ctx, statement)
	if err != nil {
		return nil, mapBackendError(ctx, err)
	}
	defer rows.Close() //nolint:errcheck

	columns, err := rows.Columns()
	if err != nil {
		return nil, mapBackendError(ctx, err)
	}

	result := &ResultSet{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, mapBackendError(ctx, err)
		}
		row := make([]*string, len(values))
		for i, v := range values {
			row[i] = renderValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapBackendError(ctx, err)
	}

	return result, nil
}

func (e *sqlServerExecutor) Exec(ctx context.Context, statement string) (string, error) {
	result, err := e.db.ExecContext(ctx, statement)
	if err != nil {
		return "", mapBackendError(ctx, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		affected = 0
	}
	return fmt.Sprintf("OK %d", affected), nil
}

// renderValue formats one backend value as wire text. nil stays nil (NULL).
func renderValue(v any) *string {
	if v == nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		s = fmt.Sprint(t)
	}
	return &s
}

// QueryError is a statement-level failure from the real backend (bad SQL,
// missing table). It is relayed to the client verbatim: the client wrote the
// statement, so its own error is not a leak.
type QueryError struct {
	Code    string
	Message string
}

func (e *QueryError) Error() string { return e.Message }

// mapBackendError folds backend failures into the gateway taxonomy.
// Statement errors are relayed as QueryError; connection-level trouble
// becomes ErrBackendUnreachable or ErrBackendTimeout.
func mapBackendError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", apperrors.ErrBackendTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &QueryError{Code: pgErr.Code, Message: pgErr.Message}
	}
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		// syntax_error_or_access_rule_violation is the closest SQLSTATE class
		return &QueryError{Code: "42000", Message: mssqlErr.Message}
	}

	return fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
}
