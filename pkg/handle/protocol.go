package handle

import (
	"fmt"

	"github.com/txn2/query-gateway/pkg/apierr"
)

// ProtocolVersion is the client/server RPC protocol revision.
type ProtocolVersion int

// Protocol revisions, oldest first.
const (
	ProtocolV1 ProtocolVersion = iota + 1
	ProtocolV2
	ProtocolV3
	ProtocolV4
	ProtocolV5
	ProtocolV6
	ProtocolV7
	ProtocolV8
	ProtocolV9
	ProtocolV10
)

// ServerMaxProtocol is the newest revision this server speaks.
const ServerMaxProtocol = ProtocolV10

// String returns the revision name.
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("V%d", int(v))
}

// Negotiate returns min(ServerMaxProtocol, client). A client newer than the
// server gets the server's newest revision, never an error.
func Negotiate(client ProtocolVersion) (ProtocolVersion, error) {
	if client < ProtocolV1 {
		return 0, apierr.Protocolf("unsupported protocol version %d", int(client))
	}
	return min(client, ServerMaxProtocol), nil
}
