// Package gateway is the request/response surface transports call into.
//
// Every method returns a response carrying a Status. Failures never escape as
// Go errors; they are classified with apierr so the status always has a
// vendor code and a SQLSTATE.
package gateway

import (
	"context"
	"log/slog"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/auth"
	"github.com/txn2/query-gateway/pkg/handle"
	"github.com/txn2/query-gateway/pkg/session"
)

const slogKeyError = "error"

// Service implements the gateway calls on top of a session manager.
type Service struct {
	sessions *session.Manager
	proxy    auth.ProxyAuthorizer
	tokens   *auth.DelegationTokens
}

// Options are the optional collaborators of a Service.
type Options struct {
	// Proxy authorizes tokens issued on behalf of another owner. Nil denies
	// it.
	Proxy auth.ProxyAuthorizer

	// Tokens enables the delegation-token calls. Nil makes them
	// unsupported.
	Tokens *auth.DelegationTokens
}

// NewService creates a Service.
func NewService(sessions *session.Manager, opts Options) *Service {
	if opts.Proxy == nil {
		opts.Proxy = auth.DenyAllAuthorizer{}
	}
	return &Service{sessions: sessions, proxy: opts.Proxy, tokens: opts.Tokens}
}

// OpenSession opens a session.
func (s *Service) OpenSession(ctx context.Context, req OpenSessionRequest) OpenSessionResponse {
	h, err := s.sessions.OpenSession(ctx, session.OpenRequest{
		Protocol:    req.Protocol,
		User:        req.User,
		Password:    req.Password,
		IPAddress:   req.IPAddress,
		Conf:        req.Conf,
		Impersonate: req.Impersonate,
	})
	if err != nil {
		return OpenSessionResponse{Status: failed("OpenSession", err)}
	}
	return OpenSessionResponse{Status: Success(), Session: h, Protocol: h.Protocol}
}

// CloseSession closes a session.
func (s *Service) CloseSession(ctx context.Context, req CloseSessionRequest) CloseSessionResponse {
	if err := s.sessions.CloseSession(ctx, req.Session); err != nil {
		return CloseSessionResponse{Status: failed("CloseSession", err)}
	}
	return CloseSessionResponse{Status: Success()}
}

// ExecuteStatement runs a statement, synchronously or not.
func (s *Service) ExecuteStatement(ctx context.Context, req ExecuteStatementRequest) ExecuteStatementResponse {
	sess, err := s.sessions.Session(req.Session)
	if err != nil {
		return ExecuteStatementResponse{Status: failed("ExecuteStatement", err)}
	}
	h, err := sess.ExecuteStatement(ctx, req.Statement, req.RunAsync, req.Conf)
	if err != nil {
		return ExecuteStatementResponse{Status: failed("ExecuteStatement", err)}
	}
	return ExecuteStatementResponse{Status: Success(), Operation: h}
}

// GetOperationStatus reports an operation's state and failure.
func (s *Service) GetOperationStatus(_ context.Context, req OperationRequest) GetOperationStatusResponse {
	sess, err := s.sessions.OperationSession(req.Operation)
	if err != nil {
		return GetOperationStatusResponse{Status: failed("GetOperationStatus", err)}
	}
	st, err := sess.GetStatus(req.Operation)
	if err != nil {
		return GetOperationStatusResponse{Status: failed("GetOperationStatus", err)}
	}
	resp := GetOperationStatusResponse{
		Status:       Success(),
		State:        st.State,
		HasResultSet: st.HasResultSet,
		RowCount:     st.RowCount,
		StartedAt:    st.StartedAt,
		CompletedAt:  st.CompletedAt,
	}
	if st.Failure != nil {
		failure := StatusFrom(st.Failure)
		resp.Failure = &failure
	}
	return resp
}

// CancelOperation cancels a non-terminal operation.
func (s *Service) CancelOperation(_ context.Context, req OperationRequest) CancelOperationResponse {
	sess, err := s.sessions.OperationSession(req.Operation)
	if err != nil {
		return CancelOperationResponse{Status: failed("CancelOperation", err)}
	}
	if err := sess.CancelOperation(req.Operation); err != nil {
		return CancelOperationResponse{Status: failed("CancelOperation", err)}
	}
	return CancelOperationResponse{Status: Success()}
}

// CloseOperation closes an operation in any state.
func (s *Service) CloseOperation(_ context.Context, req OperationRequest) CloseOperationResponse {
	sess, err := s.sessions.OperationSession(req.Operation)
	if err != nil {
		return CloseOperationResponse{Status: failed("CloseOperation", err)}
	}
	if err := sess.CloseOperation(req.Operation); err != nil {
		return CloseOperationResponse{Status: failed("CloseOperation", err)}
	}
	return CloseOperationResponse{Status: Success()}
}

// GetResultSetMetadata returns the result schema of a finished operation.
func (s *Service) GetResultSetMetadata(_ context.Context, req OperationRequest) GetResultSetMetadataResponse {
	sess, err := s.sessions.OperationSession(req.Operation)
	if err != nil {
		return GetResultSetMetadataResponse{Status: failed("GetResultSetMetadata", err)}
	}
	cols, err := sess.GetResultSetSchema(req.Operation)
	if err != nil {
		return GetResultSetMetadataResponse{Status: failed("GetResultSetMetadata", err)}
	}
	return GetResultSetMetadataResponse{Status: Success(), Columns: cols}
}

// FetchResults returns one batch of rows or log lines.
func (s *Service) FetchResults(_ context.Context, req FetchResultsRequest) FetchResultsResponse {
	sess, err := s.sessions.OperationSession(req.Operation)
	if err != nil {
		return FetchResultsResponse{Status: failed("FetchResults", err)}
	}
	rs, err := sess.FetchResults(req.Operation, req.Orientation, req.MaxRows, req.Kind)
	if err != nil {
		return FetchResultsResponse{Status: failed("FetchResults", err)}
	}
	return FetchResultsResponse{
		Status:      Success(),
		StartOffset: rs.StartOffset,
		Columns:     rs.Columns,
		Rows:        rs.Rows,
		HasMore:     rs.HasMore,
	}
}

// GetInfo returns a server or engine property.
func (s *Service) GetInfo(_ context.Context, req GetInfoRequest) GetInfoResponse {
	sess, err := s.sessions.Session(req.Session)
	if err != nil {
		return GetInfoResponse{Status: failed("GetInfo", err)}
	}
	v, err := sess.GetInfo(req.InfoType)
	if err != nil {
		return GetInfoResponse{Status: failed("GetInfo", err)}
	}
	return GetInfoResponse{Status: Success(), Value: v}
}

// GetDelegationToken issues a token for the session user, or for another
// owner the session user may impersonate.
func (s *Service) GetDelegationToken(_ context.Context, req GetDelegationTokenRequest) GetDelegationTokenResponse {
	sess, err := s.tokenSession(req.Session)
	if err != nil {
		return GetDelegationTokenResponse{Status: failed("GetDelegationToken", err)}
	}
	owner := req.Owner
	if owner == "" {
		owner = sess.User()
	}
	if err := s.proxy.VerifyProxyAccess(sess.User(), owner, sess.IPAddress()); err != nil {
		return GetDelegationTokenResponse{Status: failed("GetDelegationToken", err)}
	}
	token, err := s.tokens.Get(owner, req.Renewer)
	if err != nil {
		return GetDelegationTokenResponse{Status: failed("GetDelegationToken", err)}
	}
	return GetDelegationTokenResponse{Status: Success(), Token: token}
}

// CancelDelegationToken revokes a token on behalf of the session user.
func (s *Service) CancelDelegationToken(_ context.Context, req DelegationTokenRequest) CancelDelegationTokenResponse {
	sess, err := s.tokenSession(req.Session)
	if err != nil {
		return CancelDelegationTokenResponse{Status: failed("CancelDelegationToken", err)}
	}
	if err := s.tokens.Cancel(req.Token, sess.User()); err != nil {
		return CancelDelegationTokenResponse{Status: failed("CancelDelegationToken", err)}
	}
	return CancelDelegationTokenResponse{Status: Success()}
}

// RenewDelegationToken extends a token on behalf of the session user.
func (s *Service) RenewDelegationToken(_ context.Context, req DelegationTokenRequest) RenewDelegationTokenResponse {
	sess, err := s.tokenSession(req.Session)
	if err != nil {
		return RenewDelegationTokenResponse{Status: failed("RenewDelegationToken", err)}
	}
	exp, err := s.tokens.Renew(req.Token, sess.User())
	if err != nil {
		return RenewDelegationTokenResponse{Status: failed("RenewDelegationToken", err)}
	}
	return RenewDelegationTokenResponse{Status: Success(), Expiry: exp}
}

func (s *Service) tokenSession(h handle.SessionHandle) (*session.Session, error) {
	if s.tokens == nil {
		return nil, apierr.Unsupportedf("delegation tokens are not configured")
	}
	return s.sessions.Session(h)
}

// Stats returns the session manager counts.
func (s *Service) Stats() session.Stats {
	return s.sessions.Stats()
}

// failed logs the failure at a level matching its kind and returns its
// status.
func failed(call string, err error) Status {
	st := StatusFrom(err)
	switch apierr.KindOf(err) {
	case apierr.KindInternal:
		slog.Error("gateway call failed", "call", call, "code", st.Code, slogKeyError, err)
	case apierr.KindUpstream, apierr.KindResource:
		slog.Warn("gateway call failed", "call", call, "code", st.Code, slogKeyError, err)
	default:
		slog.Debug("gateway call failed", "call", call, "code", st.Code, slogKeyError, err)
	}
	return st
}
