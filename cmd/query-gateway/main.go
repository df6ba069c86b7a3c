// Package main provides the entry point for the query-gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcpserver "github.com/txn2/query-gateway/internal/server"
	gwhttp "github.com/txn2/query-gateway/pkg/http"
	"github.com/txn2/query-gateway/pkg/platform"
)

const (
	mcpPath           = "/mcp"
	readHeaderTimeout = 10 * time.Second
	slogKeyError      = "error"
	slogKeyAddress    = "address"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath     string
	transport      string
	address        string
	logFormat      string
	logLevel       string
	trustForwarded bool
	requireToken   bool
	showVersion    bool

	// set records the flags given on the command line. Only those
	// override the config file.
	set map[string]bool
}

func parseFlags(args []string) (serverOptions, error) {
	opts := serverOptions{set: map[string]bool{}}
	fs := flag.NewFlagSet("query-gateway", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.transport, "transport", platform.TransportStdio, "Transport type: stdio, http")
	fs.StringVar(&opts.address, "address", ":8080", "Server address for HTTP transport")
	fs.StringVar(&opts.logFormat, "log-format", "text", "Log format: text, json")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&opts.trustForwarded, "trust-forwarded", false, "Take the client address from X-Forwarded-For")
	fs.BoolVar(&opts.requireToken, "require-token", false, "Reject HTTP requests without a delegation token")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, fmt.Errorf("parsing flags: %w", err)
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func loadConfig(opts serverOptions) (*platform.Config, error) {
	cfg := platform.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = platform.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	applyFlagOverrides(cfg, opts)
	return cfg, nil
}

func applyFlagOverrides(cfg *platform.Config, opts serverOptions) {
	if opts.set["transport"] {
		cfg.Server.Transport = opts.transport
	}
	if opts.set["address"] {
		cfg.Server.Address = opts.address
	}
}

func run(args []string, stderr io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("query-gateway version %s\n", mcpserver.Version)
		return nil
	}

	logger, err := newLogger(stderr, opts.logFormat, opts.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, p, err := mcpserver.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if closeErr := p.Close(); closeErr != nil {
			slog.Error("platform shutdown incomplete", slogKeyError, closeErr)
		}
	}()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}

	if cfg.Health.Address != "" {
		go func() {
			if err := serveHTTP(ctx, cfg.Health.Address, p.Health().Mux(), cfg.Operation.ShutdownTimeout); err != nil {
				slog.Error("health listener failed", slogKeyError, err)
			}
		}()
	}

	return startServer(ctx, server, p, cfg, opts)
}

func startServer(ctx context.Context, server *mcp.Server, p *platform.Platform, cfg *platform.Config, opts serverOptions) error {
	switch cfg.Server.Transport {
	case platform.TransportStdio:
		if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serving stdio: %w", err)
		}
		return nil
	case platform.TransportHTTP:
		return serveHTTP(ctx, cfg.Server.Address, buildHandler(server, p, opts), cfg.Operation.ShutdownTimeout)
	default:
		return fmt.Errorf("unknown transport: %s", cfg.Server.Transport)
	}
}

// buildHandler mounts the streamable MCP endpoint and the health routes.
func buildHandler(server *mcp.Server, p *platform.Platform, opts serverOptions) http.Handler {
	stream := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	mux := http.NewServeMux()
	mux.Handle(mcpPath, gwhttp.Chain(stream,
		gwhttp.ClientAddress(opts.trustForwarded),
		gwhttp.AuthMiddleware(opts.requireToken),
	))
	mux.Handle("/", p.Health().Mux())
	return mux
}

// serveHTTP serves h on addr until ctx is done, then drains connections
// for at most grace.
func serveHTTP(ctx context.Context, addr string, h http.Handler, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", slogKeyAddress, addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down %s: %w", addr, err)
	}
	return nil
}
