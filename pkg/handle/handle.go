// Package handle provides the opaque identifiers handed to gateway clients
// for sessions and operations.
//
// An Identifier is a public/secret pair of 128-bit values. The public half is
// used for lookup, equality and logging; the secret half is an unguessable
// capability that must accompany every request and is never logged.
package handle

import (
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/txn2/query-gateway/pkg/apierr"
)

// wireLen is the length of each half of an identifier on the wire.
const wireLen = 16

// Identifier is a public/secret pair of 128-bit values.
type Identifier struct {
	Public uuid.UUID
	Secret uuid.UUID
}

// NewIdentifier returns a fresh identifier with two random halves.
func NewIdentifier() Identifier {
	return Identifier{
		Public: uuid.New(),
		Secret: uuid.New(),
	}
}

// FromWire rebuilds an identifier from its two 16-byte wire buffers.
func FromWire(public, secret []byte) (Identifier, error) {
	if len(public) != wireLen || len(secret) != wireLen {
		return Identifier{}, apierr.Protocolf("malformed handle: want two %d-byte ids, got %d and %d", wireLen, len(public), len(secret))
	}
	pub, err := uuid.FromBytes(public)
	if err != nil {
		return Identifier{}, apierr.Protocolf("malformed handle public id").Wrap(err)
	}
	sec, err := uuid.FromBytes(secret)
	if err != nil {
		return Identifier{}, apierr.Protocolf("malformed handle secret id").Wrap(err)
	}
	return Identifier{Public: pub, Secret: sec}, nil
}

// Parse rebuilds an identifier from the string forms of its two halves.
func Parse(public, secret string) (Identifier, error) {
	pub, err := uuid.Parse(public)
	if err != nil {
		return Identifier{}, apierr.Protocolf("malformed handle public id %q", public).Wrap(err)
	}
	sec, err := uuid.Parse(secret)
	if err != nil {
		return Identifier{}, apierr.Protocolf("malformed handle secret id").Wrap(err)
	}
	return Identifier{Public: pub, Secret: sec}, nil
}

// Wire returns the two 16-byte wire buffers.
func (id Identifier) Wire() (public, secret []byte) {
	pub, sec := id.Public, id.Secret
	return pub[:], sec[:]
}

// Equal reports whether both halves match.
func (id Identifier) Equal(other Identifier) bool {
	return id.Public == other.Public && id.Secret == other.Secret
}

// Matches reports whether other carries the same secret, comparing in
// constant time. Callers look up by public id first.
func (id Identifier) Matches(other Identifier) bool {
	return id.Public == other.Public &&
		subtle.ConstantTimeCompare(id.Secret[:], other.Secret[:]) == 1
}

// IsZero reports whether the identifier is unset.
func (id Identifier) IsZero() bool {
	return id.Public == uuid.Nil && id.Secret == uuid.Nil
}

// String returns the public id only.
func (id Identifier) String() string {
	return id.Public.String()
}

// Format keeps the secret out of every fmt verb, including %#v.
func (id Identifier) Format(f fmt.State, _ rune) {
	_, _ = fmt.Fprint(f, id.Public.String())
}

// LogValue implements slog.LogValuer and exposes only the public id.
func (id Identifier) LogValue() slog.Value {
	return slog.StringValue(id.Public.String())
}

// SessionHandle identifies a session.
type SessionHandle struct {
	ID       Identifier
	Protocol ProtocolVersion
}

// NewSessionHandle returns a handle with a fresh identifier.
func NewSessionHandle(protocol ProtocolVersion) SessionHandle {
	return SessionHandle{ID: NewIdentifier(), Protocol: protocol}
}

// String returns the public id.
func (h SessionHandle) String() string {
	return h.ID.String()
}

// LogValue implements slog.LogValuer.
func (h SessionHandle) LogValue() slog.Value {
	return h.ID.LogValue()
}

// OperationType is the kind of work an operation performs.
type OperationType int

// Operation types.
const (
	ExecuteStatement OperationType = iota
	GetTypeInfo
	GetCatalogs
	GetSchemas
	GetTables
	GetColumns
	GetFunctions
	Unknown
)

// String returns the upper-case operation type name.
func (t OperationType) String() string {
	switch t {
	case ExecuteStatement:
		return "EXECUTE_STATEMENT"
	case GetTypeInfo:
		return "GET_TYPE_INFO"
	case GetCatalogs:
		return "GET_CATALOGS"
	case GetSchemas:
		return "GET_SCHEMAS"
	case GetTables:
		return "GET_TABLES"
	case GetColumns:
		return "GET_COLUMNS"
	case GetFunctions:
		return "GET_FUNCTIONS"
	default:
		return "UNKNOWN"
	}
}

// OperationHandle identifies an operation.
type OperationHandle struct {
	ID           Identifier
	Type         OperationType
	HasResultSet bool
}

// NewOperationHandle returns a handle with a fresh identifier.
func NewOperationHandle(typ OperationType) OperationHandle {
	return OperationHandle{ID: NewIdentifier(), Type: typ, HasResultSet: true}
}

// String returns the public id.
func (h OperationHandle) String() string {
	return h.ID.String()
}

// LogValue implements slog.LogValuer.
func (h OperationHandle) LogValue() slog.Value {
	return h.ID.LogValue()
}
