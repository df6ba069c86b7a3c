package memory

import (
	"fmt"
	"time"

	"github.com/txn2/query-gateway/pkg/engine"
)

const (
	defaultName    = "memory"
	defaultVersion = "1.0.0"
)

// Config configures the in-process engine.
type Config struct {
	Name    string
	Version string

	// Latency delays every Execute, honoring cancellation.
	Latency time.Duration

	// BuildLatency delays every CreateContext.
	BuildLatency time.Duration

	// Statements maps a normalized statement to its canned result.
	Statements map[string]*engine.Result

	// Failures maps a normalized statement to an execution error message.
	Failures map[string]string
}

// ParseConfig parses an engine configuration from a map.
func ParseConfig(cfg map[string]any) (Config, error) {
	c := Config{
		Name:    defaultName,
		Version: defaultVersion,
	}
	if v := getString(cfg, "name"); v != "" {
		c.Name = v
	}
	if v := getString(cfg, "version"); v != "" {
		c.Version = v
	}

	latency, err := getDuration(cfg, "latency")
	if err != nil {
		return c, fmt.Errorf("invalid latency: %w", err)
	}
	c.Latency = latency

	build, err := getDuration(cfg, "build_latency")
	if err != nil {
		return c, fmt.Errorf("invalid build_latency: %w", err)
	}
	c.BuildLatency = build

	statements, err := getStatements(cfg)
	if err != nil {
		return c, err
	}
	c.Statements = statements

	if raw, ok := cfg["failures"].(map[string]any); ok {
		c.Failures = make(map[string]string, len(raw))
		for stmt, msg := range raw {
			s, _ := msg.(string)
			c.Failures[normalize(stmt)] = s
		}
	}

	return c, nil
}

// getStatements reads canned results of the form
//
//	statements:
//	  "select * from t":
//	    columns: [{name: id, type: INT}]
//	    rows: [[1], [2]]
func getStatements(cfg map[string]any) (map[string]*engine.Result, error) {
	raw, ok := cfg["statements"].(map[string]any)
	if !ok {
		return nil, nil
	}

	out := make(map[string]*engine.Result, len(raw))
	for stmt, v := range raw {
		def, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("statement %q: expected a map", stmt)
		}

		res := &engine.Result{}
		cols, _ := def["columns"].([]any)
		for i, c := range cols {
			cm, ok := c.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("statement %q: column %d: expected a map", stmt, i)
			}
			res.Columns = append(res.Columns, engine.Column{
				Name:     getString(cm, "name"),
				Type:     getString(cm, "type"),
				Nullable: getBool(cm, "nullable"),
			})
		}

		rows, _ := def["rows"].([]any)
		for i, r := range rows {
			row, ok := r.([]any)
			if !ok {
				return nil, fmt.Errorf("statement %q: row %d: expected a list", stmt, i)
			}
			if len(row) != len(res.Columns) {
				return nil, fmt.Errorf("statement %q: row %d has %d values, want %d", stmt, i, len(row), len(res.Columns))
			}
			res.Rows = append(res.Rows, row)
		}
		out[normalize(stmt)] = res
	}
	return out, nil
}

func getString(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func getBool(cfg map[string]any, key string) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return false
}

// getDuration accepts a duration string or a number of milliseconds.
func getDuration(cfg map[string]any, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parsing duration %q: %w", v, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	case time.Duration:
		return v, nil
	default:
		return 0, nil
	}
}
