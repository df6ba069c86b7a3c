// Package memory provides an in-process compute engine with canned results.
//
// It answers configured statements and simple literal selects such as
// "SELECT 1" or "SELECT 'a', 2". It is used by tests, demos and the default
// configuration.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgerrcode"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/engine"
)

// Kind is the registry kind for this engine.
const Kind = "memory"

// Engine is an in-process engine.
type Engine struct {
	cfg     Config
	created atomic.Int64
	closed  atomic.Int64
}

// New creates an engine from cfg.
func New(cfg Config) *Engine {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	return &Engine{cfg: cfg}
}

// Factory builds a memory engine from a config map.
func Factory(cfg map[string]any) (engine.Engine, error) {
	c, err := ParseConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(c), nil
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return e.cfg.Name }

// Version implements engine.Engine.
func (e *Engine) Version() string { return e.cfg.Version }

// CreateContext implements engine.Engine.
func (e *Engine) CreateContext(ctx context.Context, identity string, conf map[string]string) (engine.Context, error) {
	if err := wait(ctx, e.cfg.BuildLatency); err != nil {
		return nil, fmt.Errorf("creating context for %s: %w", identity, err)
	}
	e.created.Add(1)

	copied := make(map[string]string, len(conf))
	for k, v := range conf {
		copied[k] = v
	}
	return &Context{engine: e, identity: identity, conf: copied}, nil
}

// Created returns how many contexts have been built.
func (e *Engine) Created() int64 { return e.created.Load() }

// Closed returns how many contexts have been closed.
func (e *Engine) Closed() int64 { return e.closed.Load() }

// Context is a memory engine context.
type Context struct {
	engine   *Engine
	identity string
	conf     map[string]string
	closed   atomic.Bool
}

// Identity implements engine.Context.
func (c *Context) Identity() string { return c.identity }

// Conf returns the configuration the context was built with.
func (c *Context) Conf() map[string]string { return c.conf }

// Execute implements engine.Context.
func (c *Context) Execute(ctx context.Context, statement string) (*engine.Result, error) {
	if c.closed.Load() {
		return nil, errors.New("context is closed")
	}
	if err := wait(ctx, c.engine.cfg.Latency); err != nil {
		return nil, err
	}

	key := normalize(statement)
	if msg, ok := c.engine.cfg.Failures[key]; ok {
		return nil, apierr.Upstream(apierr.CodeUpstream, pgerrcode.DataException, errors.New(msg))
	}
	if res, ok := c.engine.cfg.Statements[key]; ok {
		return cloneResult(res), nil
	}
	if res, ok := selectLiterals(statement); ok {
		return res, nil
	}
	return nil, apierr.Upstream(apierr.CodeUpstream, pgerrcode.SyntaxError,
		fmt.Errorf("unrecognized statement: %q", statement))
}

// Close implements engine.Context.
func (c *Context) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.engine.closed.Add(1)
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func normalize(statement string) string {
	s := strings.TrimSpace(statement)
	s = strings.TrimSuffix(s, ";")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// selectLiterals answers "SELECT <literal>[, <literal>...]" with one row.
func selectLiterals(statement string) (*engine.Result, bool) {
	s := strings.TrimSuffix(strings.TrimSpace(statement), ";")
	if len(s) < len("select ") || !strings.EqualFold(s[:len("select ")], "select ") {
		return nil, false
	}

	res := &engine.Result{}
	row := []any{}
	for i, raw := range strings.Split(s[len("select "):], ",") {
		lit := strings.TrimSpace(raw)
		col := engine.Column{Name: "_c" + strconv.Itoa(i)}
		switch {
		case len(lit) >= 2 && lit[0] == '\'' && lit[len(lit)-1] == '\'':
			col.Type = "STRING"
			row = append(row, lit[1:len(lit)-1])
		case strings.EqualFold(lit, "true") || strings.EqualFold(lit, "false"):
			col.Type = "BOOLEAN"
			row = append(row, strings.EqualFold(lit, "true"))
		case strings.EqualFold(lit, "null"):
			col.Type = "VOID"
			col.Nullable = true
			row = append(row, nil)
		default:
			if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
				col.Type = "BIGINT"
				row = append(row, n)
			} else if f, err := strconv.ParseFloat(lit, 64); err == nil {
				col.Type = "DOUBLE"
				row = append(row, f)
			} else {
				return nil, false
			}
		}
		res.Columns = append(res.Columns, col)
	}
	res.Rows = [][]any{row}
	return res, true
}

func cloneResult(r *engine.Result) *engine.Result {
	out := &engine.Result{
		Columns: append([]engine.Column(nil), r.Columns...),
		Rows:    make([][]any, len(r.Rows)),
	}
	for i, row := range r.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Context = (*Context)(nil)
)
