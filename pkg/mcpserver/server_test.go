package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/auth"
	"github.com/txn2/query-gateway/pkg/contextcache"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/engine/memory"
	"github.com/txn2/query-gateway/pkg/gateway"
	"github.com/txn2/query-gateway/pkg/operation"
	"github.com/txn2/query-gateway/pkg/session"
)

const (
	mcpTestUser = "alice"
	mcpTestSQL  = "select * from t"
	mcpTestKey  = "an-hs256-signing-key-of-32-bytes!"
	mcpTestWait = 2 * time.Second
)

func newTestService(t *testing.T) *gateway.Service {
	t.Helper()
	eng := memory.New(memory.Config{
		Name:    "memory",
		Version: "4.2",
		Statements: map[string]*engine.Result{
			mcpTestSQL: {
				Columns: []engine.Column{{Name: "id", Type: "BIGINT"}},
				Rows:    [][]any{{int64(1)}, {int64(2)}, {int64(3)}},
			},
		},
	})
	ops, err := operation.NewManager(operation.Config{Workers: 2, QueueSize: 2}, nil)
	require.NoError(t, err)
	cfg := session.DefaultConfig()
	cfg.CheckInterval = 0
	cfg.ShutdownTimeout = mcpTestWait
	mgr, err := session.NewManager(cfg, session.Deps{
		Engine:     eng,
		Cache:      contextcache.New(eng, contextcache.DefaultConfig()),
		Operations: ops,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	tokens, err := auth.NewDelegationTokens(auth.DelegationConfig{SigningKey: []byte(mcpTestKey)})
	require.NoError(t, err)
	return gateway.NewService(mgr, gateway.Options{Tokens: tokens})
}

// connectClientServer creates an in-memory MCP client-server pair.
func connectClientServer(t *testing.T, server *mcp.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// call invokes a tool and decodes its JSON text into out. It returns the
// IsError flag.
func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) bool {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content")
	require.NoError(t, json.Unmarshal([]byte(text.Text), out), text.Text)
	return res.IsError
}

func TestTools_ListsEveryTool(t *testing.T) {
	svc := newTestService(t)
	cs := connectClientServer(t, NewServer("query-gateway", "test", svc))

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, NewTools(svc).Names(), names)
}

func TestTools_StatementLifecycle(t *testing.T) {
	cs := connectClientServer(t, NewServer("query-gateway", "test", newTestService(t)))

	var open openSessionOutput
	require.False(t, call(t, cs, ToolOpenSession, map[string]any{"user": mcpTestUser}, &open))
	require.True(t, open.Status.OK, open.Status.Message)
	require.NotNil(t, open.Session)
	assert.Len(t, open.Session.Public, 32)
	assert.Len(t, open.Session.Secret, 32)
	assert.Equal(t, 10, open.Protocol)
	sessionArg := map[string]any{"public": open.Session.Public, "secret": open.Session.Secret}

	var exec executeStatementOutput
	require.False(t, call(t, cs, ToolExecuteStatement, map[string]any{
		"session":   sessionArg,
		"statement": mcpTestSQL,
	}, &exec))
	require.NotNil(t, exec.Operation)
	opArg := map[string]any{"public": exec.Operation.Public, "secret": exec.Operation.Secret}

	var st operationStatusOutput
	require.False(t, call(t, cs, ToolGetOperationStatus, map[string]any{"operation": opArg}, &st))
	assert.Equal(t, "FINISHED", st.State)
	assert.Equal(t, 3, st.RowCount)
	assert.NotNil(t, st.CompletedAt)

	var meta metadataOutput
	require.False(t, call(t, cs, ToolGetResultSetMetadata, map[string]any{"operation": opArg}, &meta))
	require.Len(t, meta.Columns, 1)
	assert.Equal(t, "id", meta.Columns[0].Name)

	var batch fetchResultsOutput
	require.False(t, call(t, cs, ToolFetchResults, map[string]any{"operation": opArg, "max_rows": 2}, &batch))
	assert.Len(t, batch.Rows, 2)
	assert.True(t, batch.HasMore)

	require.False(t, call(t, cs, ToolFetchResults, map[string]any{"operation": opArg, "orientation": "fetch_first", "max_rows": 5}, &batch))
	assert.Equal(t, 0, batch.StartOffset)
	assert.Len(t, batch.Rows, 3)

	var logs fetchResultsOutput
	require.False(t, call(t, cs, ToolFetchResults, map[string]any{"operation": opArg, "kind": "LOG"}, &logs))
	assert.NotNil(t, logs.Rows)

	var info getInfoOutput
	require.False(t, call(t, cs, ToolGetInfo, map[string]any{"session": sessionArg, "info_type": "DBMS_VER"}, &info))
	assert.Equal(t, "4.2", info.Value)

	var closed statusOutput
	require.False(t, call(t, cs, ToolCloseOperation, map[string]any{"operation": opArg}, &closed))
	assert.True(t, closed.Status.OK)

	assert.True(t, call(t, cs, ToolGetOperationStatus, map[string]any{"operation": opArg}, &st))
	assert.Equal(t, apierr.CodeNotFound, st.Status.Code)

	require.False(t, call(t, cs, ToolCloseSession, map[string]any{"session": sessionArg}, &closed))
	assert.True(t, call(t, cs, ToolCloseSession, map[string]any{"session": sessionArg}, &closed))
	assert.Equal(t, apierr.CodeNotFound, closed.Status.Code)
}

func TestTools_AsyncCancel(t *testing.T) {
	cs := connectClientServer(t, NewServer("query-gateway", "test", newTestService(t)))

	var open openSessionOutput
	require.False(t, call(t, cs, ToolOpenSession, map[string]any{"user": mcpTestUser}, &open))
	sessionArg := map[string]any{"public": open.Session.Public, "secret": open.Session.Secret}

	var exec executeStatementOutput
	require.False(t, call(t, cs, ToolExecuteStatement, map[string]any{
		"session":   sessionArg,
		"statement": mcpTestSQL,
		"run_async": true,
	}, &exec))
	opArg := map[string]any{"public": exec.Operation.Public, "secret": exec.Operation.Secret}

	deadline := time.Now().Add(mcpTestWait)
	var st operationStatusOutput
	for time.Now().Before(deadline) {
		call(t, cs, ToolGetOperationStatus, map[string]any{"operation": opArg}, &st)
		if st.State == "FINISHED" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, "FINISHED", st.State)

	var canceled statusOutput
	assert.True(t, call(t, cs, ToolCancelOperation, map[string]any{"operation": opArg}, &canceled))
	assert.Equal(t, "state", canceled.Status.Kind, "finished operations cannot be canceled")
}

func TestTools_MalformedArguments(t *testing.T) {
	cs := connectClientServer(t, NewServer("query-gateway", "test", newTestService(t)))

	var out statusOutput
	assert.True(t, call(t, cs, ToolCloseSession, map[string]any{
		"session": map[string]any{"public": "zz", "secret": "00"},
	}, &out))
	assert.Equal(t, "protocol", out.Status.Kind)

	assert.True(t, call(t, cs, ToolGetOperationStatus, map[string]any{
		"operation": map[string]any{"public": "abcd", "secret": "abcd"},
	}, &out))
	assert.Equal(t, apierr.CodeProtocol, out.Status.Code)

	var open openSessionOutput
	require.False(t, call(t, cs, ToolOpenSession, map[string]any{"user": mcpTestUser}, &open))
	assert.True(t, call(t, cs, ToolGetInfo, map[string]any{
		"session":   map[string]any{"public": open.Session.Public, "secret": open.Session.Secret},
		"info_type": "CATALOG_TERM",
	}, &out))
	assert.Contains(t, out.Status.Message, "unknown info type")

	assert.True(t, call(t, cs, ToolOpenSession, map[string]any{"user": mcpTestUser, "protocol": -1}, &open))
	assert.Equal(t, "protocol", open.Status.Kind)
}

func TestTools_DelegationTokens(t *testing.T) {
	cs := connectClientServer(t, NewServer("query-gateway", "test", newTestService(t)))

	var open openSessionOutput
	require.False(t, call(t, cs, ToolOpenSession, map[string]any{"user": mcpTestUser}, &open))
	sessionArg := map[string]any{"public": open.Session.Public, "secret": open.Session.Secret}

	var tok getDelegationTokenOutput
	require.False(t, call(t, cs, ToolGetDelegationToken, map[string]any{"session": sessionArg}, &tok))
	require.NotEmpty(t, tok.Token)

	var renewed renewDelegationTokenOutput
	require.False(t, call(t, cs, ToolRenewDelegationToken, map[string]any{"session": sessionArg, "token": tok.Token}, &renewed))
	require.NotNil(t, renewed.Expiry)
	assert.True(t, renewed.Expiry.After(time.Now()))

	var canceled statusOutput
	require.False(t, call(t, cs, ToolCancelDelegationToken, map[string]any{"session": sessionArg, "token": tok.Token}, &canceled))
	assert.True(t, call(t, cs, ToolRenewDelegationToken, map[string]any{"session": sessionArg, "token": tok.Token}, &renewed))
	assert.Equal(t, "auth", renewed.Status.Kind)
}
