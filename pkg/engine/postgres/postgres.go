// Package postgres provides a compute engine backed by PostgreSQL.
//
// Each compute context is a pgxpool.Pool dedicated to one identity. When
// impersonation is enabled every pooled connection runs SET ROLE to the
// identity after connecting, so statements execute with that role's
// privileges.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/engine"
)

// Kind is the registry kind for this engine.
const Kind = "postgres"

// Vendor codes for classified server errors.
const (
	CodeStatementInvalid = apierr.CodeUpstream + 1
	CodeAccessDenied     = apierr.CodeUpstream + 2
	CodeOverloaded       = apierr.CodeUpstream + 3
	CodeCanceled         = apierr.CodeUpstream + 4
	CodeConnection       = apierr.CodeUpstream + 5
)

// Engine builds one connection pool per identity.
type Engine struct {
	cfg     Config
	version atomic.Value
}

// New creates an engine. No connection is made until CreateContext.
func New(cfg Config) (*Engine, error) {
	if _, err := pgxpool.ParseConfig(cfg.DSN); err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Factory builds a postgres engine from a config map.
func Factory(cfg map[string]any) (engine.Engine, error) {
	c, err := ParseConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(c)
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return e.cfg.Name }

// Version implements engine.Engine. It reports the server_version of the
// most recently built context, or "unknown" before the first one.
func (e *Engine) Version() string {
	if v, ok := e.version.Load().(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// CreateContext implements engine.Engine.
func (e *Engine) CreateContext(ctx context.Context, identity string, conf map[string]string) (engine.Context, error) {
	pcfg, err := pgxpool.ParseConfig(e.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	pcfg.MaxConns = e.cfg.MaxConns
	for k, v := range runtimeParams(conf) {
		pcfg.ConnConfig.RuntimeParams[k] = v
	}
	if e.cfg.Impersonate {
		role := pgx.Identifier{identity}.Sanitize()
		pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET ROLE "+role); err != nil {
				return fmt.Errorf("setting role: %w", err)
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool for %s: %w", identity, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(fmt.Errorf("connecting as %s: %w", identity, err))
	}

	if conn, err := pool.Acquire(ctx); err == nil {
		e.version.Store(conn.Conn().PgConn().ParameterStatus("server_version"))
		conn.Release()
	}

	slog.Debug("postgres context created", "identity", identity, "max_conns", pcfg.MaxConns)
	return &Context{identity: identity, pool: pool, maxRows: e.cfg.MaxRows}, nil
}

// Context is a per-identity connection pool.
type Context struct {
	identity string
	pool     *pgxpool.Pool
	maxRows  int
}

// Identity implements engine.Context.
func (c *Context) Identity() string { return c.identity }

// Execute implements engine.Context. Rows beyond the configured cap are
// discarded.
func (c *Context) Execute(ctx context.Context, statement string) (*engine.Result, error) {
	rows, err := c.pool.Query(ctx, statement)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	typeMap := rows.Conn().TypeMap()
	res := &engine.Result{}
	for _, fd := range rows.FieldDescriptions() {
		typeName := fmt.Sprintf("oid:%d", fd.DataTypeOID)
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			typeName = t.Name
		}
		res.Columns = append(res.Columns, engine.Column{Name: fd.Name, Type: typeName, Nullable: true})
	}

	for rows.Next() {
		if len(res.Rows) >= c.maxRows {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// Close implements engine.Context.
func (c *Context) Close() error {
	c.pool.Close()
	return nil
}

// classify turns a server or driver failure into an UpstreamError carrying
// the server's SQLSTATE.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return apierr.Upstream(CodeConnection, pgerrcode.ConnectionException, err)
	}

	code := apierr.CodeUpstream
	switch {
	case pgErr.Code == pgerrcode.InsufficientPrivilege ||
		sameClass(pgErr.Code, pgerrcode.InvalidAuthorizationSpecification):
		code = CodeAccessDenied
	case sameClass(pgErr.Code, pgerrcode.SyntaxErrorOrAccessRuleViolation):
		code = CodeStatementInvalid
	case sameClass(pgErr.Code, pgerrcode.InsufficientResources),
		sameClass(pgErr.Code, pgerrcode.ProgramLimitExceeded):
		code = CodeOverloaded
	case pgErr.Code == pgerrcode.QueryCanceled:
		code = CodeCanceled
	case sameClass(pgErr.Code, pgerrcode.ConnectionException):
		code = CodeConnection
	}
	return apierr.Upstream(code, pgErr.Code, err)
}

// sameClass reports whether two SQLSTATEs share their two-character class.
func sameClass(a, b string) bool {
	return len(a) >= 2 && len(b) >= 2 && a[:2] == b[:2]
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Context = (*Context)(nil)
)
