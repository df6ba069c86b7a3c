// Package server provides a factory for creating the MCP server.
package server

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/query-gateway/pkg/mcpserver"
	"github.com/txn2/query-gateway/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// New builds the platform for cfg and an MCP server exposing it. The caller
// owns the platform and must Start and Close it.
func New(cfg *platform.Config, opts ...platform.Option) (*mcp.Server, *platform.Platform, error) {
	p, err := platform.New(append([]platform.Option{platform.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating platform: %w", err)
	}
	version := cfg.Server.Version
	if version == "" {
		version = Version
	}
	return mcpserver.NewServer(cfg.Server.Name, version, p.Service()), p, nil
}

// NewWithDefaults creates a server backed by the in-process engine.
func NewWithDefaults() (*mcp.Server, *platform.Platform, error) {
	return New(platform.DefaultConfig())
}
