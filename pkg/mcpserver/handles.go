package mcpserver

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/handle"
	"github.com/txn2/query-gateway/pkg/operation"
	"github.com/txn2/query-gateway/pkg/session"
)

// Handle is the wire form of a session or operation handle. Both halves are
// 32 hex characters.
type Handle struct {
	Public string `json:"public"`
	Secret string `json:"secret"`
}

func toWire(id handle.Identifier) Handle {
	pub, sec := id.Wire()
	return Handle{Public: hex.EncodeToString(pub), Secret: hex.EncodeToString(sec)}
}

func (h Handle) identifier() (handle.Identifier, error) {
	pub, err := hex.DecodeString(h.Public)
	if err != nil {
		return handle.Identifier{}, apierr.Protocolf("handle public id is not hex").Wrap(err)
	}
	sec, err := hex.DecodeString(h.Secret)
	if err != nil {
		return handle.Identifier{}, apierr.Protocolf("handle secret id is not hex").Wrap(err)
	}
	return handle.FromWire(pub, sec)
}

// session rebuilds a session handle. Lookups match on the identifier
// alone, so the negotiated protocol is not carried on the wire.
func (h Handle) session() (handle.SessionHandle, error) {
	id, err := h.identifier()
	if err != nil {
		return handle.SessionHandle{}, err
	}
	return handle.SessionHandle{ID: id}, nil
}

func (h Handle) operation() (handle.OperationHandle, error) {
	id, err := h.identifier()
	if err != nil {
		return handle.OperationHandle{}, err
	}
	return handle.OperationHandle{ID: id, Type: handle.ExecuteStatement, HasResultSet: true}, nil
}

func parseOrientation(s string) (operation.Orientation, error) {
	switch strings.ToUpper(s) {
	case "", "FETCH_NEXT":
		return operation.FetchNext, nil
	case "FETCH_PRIOR":
		return operation.FetchPrior, nil
	case "FETCH_FIRST":
		return operation.FetchFirst, nil
	default:
		return 0, apierr.Protocolf("unknown fetch orientation %q", s)
	}
}

func parseFetchKind(s string) (operation.FetchKind, error) {
	switch strings.ToUpper(s) {
	case "", "QUERY_OUTPUT":
		return operation.QueryOutput, nil
	case "LOG":
		return operation.Log, nil
	default:
		return 0, apierr.Protocolf("unknown fetch kind %q", s)
	}
}

func parseInfoType(s string) (session.InfoType, error) {
	for _, t := range []session.InfoType{session.InfoServerName, session.InfoDBMSName, session.InfoDBMSVer} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, apierr.Protocolf("unknown info type %q", s)
}

// timestamp returns nil for the zero time so it is omitted from output.
func timestamp(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
