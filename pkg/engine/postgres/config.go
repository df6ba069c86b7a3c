package postgres

import (
	"fmt"
	"strings"
)

const (
	defaultMaxConns = 4
	defaultMaxRows  = 10000
	defaultName     = "postgres"

	// confRuntimePrefix marks session conf keys that become server runtime
	// parameters, e.g. "pg.search_path".
	confRuntimePrefix = "pg."
)

// Config configures the PostgreSQL engine.
type Config struct {
	// DSN is a pgx connection string. Required.
	DSN string

	// MaxConns bounds each identity's pool.
	MaxConns int32

	// MaxRows caps how many rows a statement materializes.
	MaxRows int

	// Impersonate runs every connection as the identity via SET ROLE.
	Impersonate bool

	Name string
}

// ParseConfig parses an engine configuration from a map.
func ParseConfig(cfg map[string]any) (Config, error) {
	c := Config{
		MaxConns: defaultMaxConns,
		MaxRows:  defaultMaxRows,
		Name:     defaultName,
	}

	v, ok := cfg["dsn"].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return c, fmt.Errorf("dsn is required")
	}
	c.DSN = v

	c.MaxConns = int32(getInt(cfg, "max_conns", int(c.MaxConns))) //nolint:gosec // bounded by Validate
	c.MaxRows = getInt(cfg, "max_rows", c.MaxRows)
	c.Impersonate, _ = cfg["impersonate"].(bool)
	if n, ok := cfg["name"].(string); ok && n != "" {
		c.Name = n
	}

	return c, c.Validate()
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConns < 1 {
		return fmt.Errorf("max_conns must be at least 1, got %d", c.MaxConns)
	}
	if c.MaxRows < 1 {
		return fmt.Errorf("max_rows must be at least 1, got %d", c.MaxRows)
	}
	return nil
}

func getInt(cfg map[string]any, key string, defaultVal int) int {
	if v, ok := cfg[key].(int); ok {
		return v
	}
	if v, ok := cfg[key].(float64); ok {
		return int(v)
	}
	return defaultVal
}

// runtimeParams extracts server runtime parameters from session conf.
func runtimeParams(conf map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range conf {
		if name, ok := strings.CutPrefix(k, confRuntimePrefix); ok && name != "" {
			out[name] = v
		}
	}
	return out
}
