// Package mcpserver exposes the gateway service as MCP tools.
//
// Every tool answers with a JSON document carrying a "status" object. A
// failed call sets IsError on the result; the status still names the error
// kind, vendor code and SQLSTATE.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/query-gateway/pkg/auth"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/gateway"
	"github.com/txn2/query-gateway/pkg/handle"
	"github.com/txn2/query-gateway/pkg/middleware"
)

// Tool names.
const (
	ToolOpenSession           = "open_session"
	ToolCloseSession          = "close_session"
	ToolExecuteStatement      = "execute_statement"
	ToolGetOperationStatus    = "get_operation_status"
	ToolCancelOperation       = "cancel_operation"
	ToolCloseOperation        = "close_operation"
	ToolGetResultSetMetadata  = "get_result_set_metadata"
	ToolFetchResults          = "fetch_results"
	ToolGetInfo               = "get_info"
	ToolGetDelegationToken    = "get_delegation_token"
	ToolCancelDelegationToken = "cancel_delegation_token"
	ToolRenewDelegationToken  = "renew_delegation_token"
)

// Tools binds gateway calls to MCP tools.
type Tools struct {
	svc *gateway.Service
}

// NewTools creates the tool set for svc.
func NewTools(svc *gateway.Service) *Tools {
	return &Tools{svc: svc}
}

// Names returns every tool name in registration order.
func (*Tools) Names() []string {
	return []string{
		ToolOpenSession, ToolCloseSession, ToolExecuteStatement,
		ToolGetOperationStatus, ToolCancelOperation, ToolCloseOperation,
		ToolGetResultSetMetadata, ToolFetchResults, ToolGetInfo,
		ToolGetDelegationToken, ToolCancelDelegationToken, ToolRenewDelegationToken,
	}
}

// NewServer creates an MCP server with every gateway tool registered and
// tool calls logged.
func NewServer(name, version string, svc *gateway.Service) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)
	NewTools(svc).RegisterTools(s)
	s.AddReceivingMiddleware(middleware.MCPToolCallLogging(nil))
	return s
}

// RegisterTools registers the gateway tools with s.
func (t *Tools) RegisterTools(s *mcp.Server) {
	readOnly := &mcp.ToolAnnotations{ReadOnlyHint: true}

	mcp.AddTool(s, &mcp.Tool{
		Name: ToolOpenSession,
		Description: "Opens a gateway session and returns its handle. Set impersonate and " +
			"conf[\"session.proxy.user\"] to run statements as another identity.",
	}, t.handleOpenSession)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolCloseSession,
		Description: "Closes a session and every operation it still owns.",
	}, t.handleCloseSession)
	mcp.AddTool(s, &mcp.Tool{
		Name: ToolExecuteStatement,
		Description: "Runs a statement in a session. With run_async the call returns at once " +
			"and the operation is polled with get_operation_status.",
	}, t.handleExecuteStatement)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolGetOperationStatus,
		Description: "Reports an operation's state, failure and row count.",
		Annotations: readOnly,
	}, t.handleGetOperationStatus)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolCancelOperation,
		Description: "Cancels a pending or running operation.",
	}, t.handleCancelOperation)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolCloseOperation,
		Description: "Closes an operation and releases its results.",
	}, t.handleCloseOperation)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolGetResultSetMetadata,
		Description: "Returns the result columns of a finished operation.",
		Annotations: readOnly,
	}, t.handleGetResultSetMetadata)
	mcp.AddTool(s, &mcp.Tool{
		Name: ToolFetchResults,
		Description: "Fetches a batch of result rows (kind QUERY_OUTPUT) or log lines (kind LOG). " +
			"Orientation is FETCH_NEXT, FETCH_PRIOR or FETCH_FIRST.",
	}, t.handleFetchResults)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolGetInfo,
		Description: "Returns SERVER_NAME, DBMS_NAME or DBMS_VER.",
		Annotations: readOnly,
	}, t.handleGetInfo)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolGetDelegationToken,
		Description: "Issues a delegation token for the session user, or for an owner the user may impersonate.",
	}, t.handleGetDelegationToken)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolCancelDelegationToken,
		Description: "Revokes a delegation token.",
	}, t.handleCancelDelegationToken)
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolRenewDelegationToken,
		Description: "Extends a delegation token and returns its new expiry.",
	}, t.handleRenewDelegationToken)
}

type openSessionInput struct {
	// Protocol defaults to the newest revision the server speaks.
	Protocol        int               `json:"protocol,omitempty"`
	User            string            `json:"user"`
	Password        string            `json:"password,omitempty"`
	DelegationToken string            `json:"delegation_token,omitempty"`
	Conf            map[string]string `json:"conf,omitempty"`
	Impersonate     bool              `json:"impersonate,omitempty"`
}

type openSessionOutput struct {
	Status   gateway.Status `json:"status"`
	Session  *Handle        `json:"session,omitempty"`
	Protocol int            `json:"protocol,omitempty"`
}

type sessionInput struct {
	Session Handle `json:"session"`
}

type statusOutput struct {
	Status gateway.Status `json:"status"`
}

type executeStatementInput struct {
	Session   Handle            `json:"session"`
	Statement string            `json:"statement"`
	RunAsync  bool              `json:"run_async,omitempty"`
	Conf      map[string]string `json:"conf,omitempty"`
}

type executeStatementOutput struct {
	Status    gateway.Status `json:"status"`
	Operation *Handle        `json:"operation,omitempty"`
}

type operationInput struct {
	Operation Handle `json:"operation"`
}

type operationStatusOutput struct {
	Status       gateway.Status  `json:"status"`
	State        string          `json:"state,omitempty"`
	Failure      *gateway.Status `json:"failure,omitempty"`
	HasResultSet bool            `json:"has_result_set"`
	RowCount     int             `json:"row_count"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

type metadataOutput struct {
	Status  gateway.Status  `json:"status"`
	Columns []engine.Column `json:"columns,omitempty"`
}

type fetchResultsInput struct {
	Operation   Handle `json:"operation"`
	Orientation string `json:"orientation,omitempty"`
	MaxRows     int    `json:"max_rows,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

type fetchResultsOutput struct {
	Status      gateway.Status  `json:"status"`
	StartOffset int             `json:"start_offset"`
	Columns     []engine.Column `json:"columns,omitempty"`
	Rows        [][]any         `json:"rows"`
	HasMore     bool            `json:"has_more"`
}

type getInfoInput struct {
	Session  Handle `json:"session"`
	InfoType string `json:"info_type"`
}

type getInfoOutput struct {
	Status gateway.Status `json:"status"`
	Value  string         `json:"value,omitempty"`
}

type getDelegationTokenInput struct {
	Session Handle `json:"session"`
	Owner   string `json:"owner,omitempty"`
	Renewer string `json:"renewer,omitempty"`
}

type getDelegationTokenOutput struct {
	Status gateway.Status `json:"status"`
	Token  string         `json:"token,omitempty"`
}

type delegationTokenInput struct {
	Session Handle `json:"session"`
	Token   string `json:"token"`
}

type renewDelegationTokenOutput struct {
	Status gateway.Status `json:"status"`
	Expiry *time.Time     `json:"expiry,omitempty"`
}

func (t *Tools) handleOpenSession(ctx context.Context, _ *mcp.CallToolRequest, in openSessionInput) (*mcp.CallToolResult, any, error) {
	if in.DelegationToken != "" {
		ctx = auth.WithToken(ctx, in.DelegationToken)
	}
	protocol := handle.ProtocolVersion(in.Protocol)
	if in.Protocol == 0 {
		protocol = handle.ServerMaxProtocol
	}
	resp := t.svc.OpenSession(ctx, gateway.OpenSessionRequest{
		Protocol:    protocol,
		User:        in.User,
		Password:    in.Password,
		IPAddress:   auth.GetClientAddress(ctx),
		Conf:        in.Conf,
		Impersonate: in.Impersonate,
	})
	out := openSessionOutput{Status: resp.Status}
	if resp.Status.OK {
		h := toWire(resp.Session.ID)
		out.Session = &h
		out.Protocol = int(resp.Protocol)
	}
	return result(out.Status, out)
}

func (t *Tools) handleCloseSession(ctx context.Context, _ *mcp.CallToolRequest, in sessionInput) (*mcp.CallToolResult, any, error) {
	sh, err := in.Session.session()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.CloseSession(ctx, gateway.CloseSessionRequest{Session: sh})
	return result(resp.Status, statusOutput{Status: resp.Status})
}

func (t *Tools) handleExecuteStatement(ctx context.Context, _ *mcp.CallToolRequest, in executeStatementInput) (*mcp.CallToolResult, any, error) {
	sh, err := in.Session.session()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.ExecuteStatement(ctx, gateway.ExecuteStatementRequest{
		Session:   sh,
		Statement: in.Statement,
		RunAsync:  in.RunAsync,
		Conf:      in.Conf,
	})
	out := executeStatementOutput{Status: resp.Status}
	if resp.Status.OK {
		h := toWire(resp.Operation.ID)
		out.Operation = &h
	}
	return result(out.Status, out)
}

func (t *Tools) handleGetOperationStatus(ctx context.Context, _ *mcp.CallToolRequest, in operationInput) (*mcp.CallToolResult, any, error) {
	oh, err := in.Operation.operation()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.GetOperationStatus(ctx, gateway.OperationRequest{Operation: oh})
	out := operationStatusOutput{Status: resp.Status}
	if resp.Status.OK {
		out.State = resp.State.String()
		out.Failure = resp.Failure
		out.HasResultSet = resp.HasResultSet
		out.RowCount = resp.RowCount
		out.StartedAt = timestamp(resp.StartedAt)
		out.CompletedAt = timestamp(resp.CompletedAt)
	}
	return result(out.Status, out)
}

func (t *Tools) handleCancelOperation(ctx context.Context, _ *mcp.CallToolRequest, in operationInput) (*mcp.CallToolResult, any, error) {
	oh, err := in.Operation.operation()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.CancelOperation(ctx, gateway.OperationRequest{Operation: oh})
	return result(resp.Status, statusOutput{Status: resp.Status})
}

func (t *Tools) handleCloseOperation(ctx context.Context, _ *mcp.CallToolRequest, in operationInput) (*mcp.CallToolResult, any, error) {
	oh, err := in.Operation.operation()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.CloseOperation(ctx, gateway.OperationRequest{Operation: oh})
	return result(resp.Status, statusOutput{Status: resp.Status})
}

func (t *Tools) handleGetResultSetMetadata(ctx context.Context, _ *mcp.CallToolRequest, in operationInput) (*mcp.CallToolResult, any, error) {
	oh, err := in.Operation.operation()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.GetResultSetMetadata(ctx, gateway.OperationRequest{Operation: oh})
	return result(resp.Status, metadataOutput{Status: resp.Status, Columns: resp.Columns})
}

func (t *Tools) handleFetchResults(ctx context.Context, _ *mcp.CallToolRequest, in fetchResultsInput) (*mcp.CallToolResult, any, error) {
	oh, err := in.Operation.operation()
	if err != nil {
		return failure(err)
	}
	orientation, err := parseOrientation(in.Orientation)
	if err != nil {
		return failure(err)
	}
	kind, err := parseFetchKind(in.Kind)
	if err != nil {
		return failure(err)
	}
	resp := t.svc.FetchResults(ctx, gateway.FetchResultsRequest{
		Operation:   oh,
		Orientation: orientation,
		MaxRows:     in.MaxRows,
		Kind:        kind,
	})
	rows := resp.Rows
	if rows == nil {
		rows = [][]any{}
	}
	return result(resp.Status, fetchResultsOutput{
		Status:      resp.Status,
		StartOffset: resp.StartOffset,
		Columns:     resp.Columns,
		Rows:        rows,
		HasMore:     resp.HasMore,
	})
}

func (t *Tools) handleGetInfo(ctx context.Context, _ *mcp.CallToolRequest, in getInfoInput) (*mcp.CallToolResult, any, error) {
	sh, err := in.Session.session()
	if err != nil {
		return failure(err)
	}
	infoType, err := parseInfoType(in.InfoType)
	if err != nil {
		return failure(err)
	}
	resp := t.svc.GetInfo(ctx, gateway.GetInfoRequest{Session: sh, InfoType: infoType})
	return result(resp.Status, getInfoOutput{Status: resp.Status, Value: resp.Value})
}

func (t *Tools) handleGetDelegationToken(ctx context.Context, _ *mcp.CallToolRequest, in getDelegationTokenInput) (*mcp.CallToolResult, any, error) {
	sh, err := in.Session.session()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.GetDelegationToken(ctx, gateway.GetDelegationTokenRequest{Session: sh, Owner: in.Owner, Renewer: in.Renewer})
	return result(resp.Status, getDelegationTokenOutput{Status: resp.Status, Token: resp.Token})
}

func (t *Tools) handleCancelDelegationToken(ctx context.Context, _ *mcp.CallToolRequest, in delegationTokenInput) (*mcp.CallToolResult, any, error) {
	sh, err := in.Session.session()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.CancelDelegationToken(ctx, gateway.DelegationTokenRequest{Session: sh, Token: in.Token})
	return result(resp.Status, statusOutput{Status: resp.Status})
}

func (t *Tools) handleRenewDelegationToken(ctx context.Context, _ *mcp.CallToolRequest, in delegationTokenInput) (*mcp.CallToolResult, any, error) {
	sh, err := in.Session.session()
	if err != nil {
		return failure(err)
	}
	resp := t.svc.RenewDelegationToken(ctx, gateway.DelegationTokenRequest{Session: sh, Token: in.Token})
	return result(resp.Status, renewDelegationTokenOutput{Status: resp.Status, Expiry: timestamp(resp.Expiry)})
}

// failure reports an error raised before the call reached the service.
func failure(err error) (*mcp.CallToolResult, any, error) {
	st := gateway.StatusFrom(err)
	return result(st, statusOutput{Status: st})
}

// result marshals out as the tool's text content.
func result(st gateway.Status, out any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return errorResult("internal error marshaling response"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: !st.OK,
	}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(`{"status": {"ok": false, "message": %q}}`, msg)},
		},
		IsError: true,
	}
}
