package gateway

import (
	"time"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/handle"
	"github.com/txn2/query-gateway/pkg/operation"
	"github.com/txn2/query-gateway/pkg/session"
)

// Status is attached to every response.
type Status struct {
	OK       bool   `json:"ok"`
	Kind     string `json:"kind,omitempty"`
	Code     int    `json:"code,omitempty"`
	SQLState string `json:"sql_state,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Success is the status of a call that worked.
func Success() Status {
	return Status{OK: true}
}

// StatusFrom converts err into a Status. A nil err is success.
func StatusFrom(err error) Status {
	if err == nil {
		return Success()
	}
	apiErr := apierr.From(err)
	return Status{
		Kind:     apiErr.Kind.String(),
		Code:     apiErr.Code,
		SQLState: apiErr.SQLState,
		Message:  apiErr.Error(),
	}
}

// OpenSessionRequest opens a session.
type OpenSessionRequest struct {
	Protocol    handle.ProtocolVersion
	User        string
	Password    string
	IPAddress   string
	Conf        map[string]string
	Impersonate bool
}

// OpenSessionResponse carries the new session handle.
type OpenSessionResponse struct {
	Status   Status
	Session  handle.SessionHandle
	Protocol handle.ProtocolVersion
}

// CloseSessionRequest closes a session.
type CloseSessionRequest struct {
	Session handle.SessionHandle
}

// CloseSessionResponse reports the close outcome.
type CloseSessionResponse struct {
	Status Status
}

// ExecuteStatementRequest runs a statement in a session.
type ExecuteStatementRequest struct {
	Session   handle.SessionHandle
	Statement string
	RunAsync  bool
	Conf      map[string]string
}

// ExecuteStatementResponse carries the operation handle.
type ExecuteStatementResponse struct {
	Status    Status
	Operation handle.OperationHandle
}

// OperationRequest addresses an existing operation.
type OperationRequest struct {
	Operation handle.OperationHandle
}

// GetOperationStatusResponse reports an operation's state.
type GetOperationStatusResponse struct {
	Status       Status
	State        operation.State
	Failure      *Status
	HasResultSet bool
	RowCount     int
	StartedAt    time.Time
	CompletedAt  time.Time
}

// CancelOperationResponse reports the cancel outcome.
type CancelOperationResponse struct {
	Status Status
}

// CloseOperationResponse reports the close outcome.
type CloseOperationResponse struct {
	Status Status
}

// GetResultSetMetadataResponse carries the result schema.
type GetResultSetMetadataResponse struct {
	Status  Status
	Columns []engine.Column
}

// FetchResultsRequest reads a batch of rows or log lines.
type FetchResultsRequest struct {
	Operation   handle.OperationHandle
	Orientation operation.Orientation
	MaxRows     int
	Kind        operation.FetchKind
}

// FetchResultsResponse carries one batch.
type FetchResultsResponse struct {
	Status      Status
	StartOffset int
	Columns     []engine.Column
	Rows        [][]any
	HasMore     bool
}

// GetInfoRequest asks for a server or engine property.
type GetInfoRequest struct {
	Session  handle.SessionHandle
	InfoType session.InfoType
}

// GetInfoResponse carries the property value.
type GetInfoResponse struct {
	Status Status
	Value  string
}

// GetDelegationTokenRequest issues a token. An empty Owner means the
// session user.
type GetDelegationTokenRequest struct {
	Session handle.SessionHandle
	Owner   string
	Renewer string
}

// GetDelegationTokenResponse carries the token.
type GetDelegationTokenResponse struct {
	Status Status
	Token  string
}

// DelegationTokenRequest addresses an issued token.
type DelegationTokenRequest struct {
	Session handle.SessionHandle
	Token   string
}

// CancelDelegationTokenResponse reports the cancel outcome.
type CancelDelegationTokenResponse struct {
	Status Status
}

// RenewDelegationTokenResponse carries the new expiry.
type RenewDelegationTokenResponse struct {
	Status Status
	Expiry time.Time
}
