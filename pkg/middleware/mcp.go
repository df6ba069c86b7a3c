// Package middleware provides MCP protocol-level middleware for the gateway.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	methodToolsCall = "tools/call"

	slogKeyRequestID = "request_id"
	slogKeyTool      = "tool"
	slogKeyDuration  = "duration_ms"
	slogKeyIsError   = "is_error"
	slogKeyError     = "error"
)

type contextKey int

const requestIDKey contextKey = iota

// WithRequestID adds a tool call's request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID stamped by MCPToolCallLogging.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// MCPToolCallLogging creates middleware that stamps every tools/call with a
// request ID and logs its outcome and duration. Other methods pass through.
func MCPToolCallLogging(logger *slog.Logger) mcp.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method != methodToolsCall {
				return next(ctx, method, req)
			}

			tool, err := extractToolName(req)
			if err != nil {
				return next(ctx, method, req)
			}
			requestID := uuid.NewString()
			ctx = WithRequestID(ctx, requestID)

			start := time.Now()
			result, err := next(ctx, method, req)
			attrs := []any{
				slogKeyRequestID, requestID,
				slogKeyTool, tool,
				slogKeyDuration, time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("tool call failed", append(attrs, slogKeyError, err)...)
				return result, err
			}
			logger.Debug("tool call", append(attrs, slogKeyIsError, isErrorResult(result))...)
			return result, nil
		}
	}
}

// extractToolName extracts the tool name from a tools/call request.
func extractToolName(req mcp.Request) (string, error) {
	params := req.GetParams()
	if params == nil {
		return "", errors.New("missing params")
	}
	callParams, ok := params.(*mcp.CallToolParamsRaw)
	if !ok || callParams == nil {
		return "", errors.New("missing params")
	}
	if callParams.Name == "" {
		return "", errors.New("missing tool name")
	}
	return callParams.Name, nil
}

func isErrorResult(result mcp.Result) bool {
	r, ok := result.(*mcp.CallToolResult)
	return ok && r != nil && r.IsError
}
