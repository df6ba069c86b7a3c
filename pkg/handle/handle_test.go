package handle

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/query-gateway/pkg/apierr"
)

func TestNewIdentifier_Unique(t *testing.T) {
	a := NewIdentifier()
	b := NewIdentifier()

	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Public, a.Secret, "halves are drawn independently")
	assert.False(t, a.IsZero())
	assert.True(t, Identifier{}.IsZero())
}

func TestFromWire_RoundTrip(t *testing.T) {
	id := NewIdentifier()
	pub, sec := id.Wire()
	require.Len(t, pub, wireLen)
	require.Len(t, sec, wireLen)

	got, err := FromWire(pub, sec)
	require.NoError(t, err)
	assert.True(t, id.Equal(got))
	assert.Equal(t, id, got)
}

func TestFromWire_Deterministic(t *testing.T) {
	pub := bytes.Repeat([]byte{0x01}, wireLen)
	sec := bytes.Repeat([]byte{0x02}, wireLen)

	a, err := FromWire(pub, sec)
	require.NoError(t, err)
	b, err := FromWire(pub, sec)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestFromWire_Malformed(t *testing.T) {
	_, err := FromWire([]byte{1, 2, 3}, make([]byte, wireLen))
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrProtocol)

	_, err = FromWire(make([]byte, wireLen), nil)
	assert.ErrorIs(t, err, apierr.ErrProtocol)
}

func TestParse(t *testing.T) {
	id := NewIdentifier()
	got, err := Parse(id.Public.String(), id.Secret.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(got))

	_, err = Parse("not-a-uuid", id.Secret.String())
	assert.ErrorIs(t, err, apierr.ErrProtocol)

	_, err = Parse(id.Public.String(), "")
	assert.ErrorIs(t, err, apierr.ErrProtocol)
}

func TestEqualAndMatches(t *testing.T) {
	id := NewIdentifier()
	forged := Identifier{Public: id.Public, Secret: uuid.New()}

	assert.True(t, id.Equal(id))
	assert.False(t, id.Equal(forged), "equality covers both halves")
	assert.True(t, id.Matches(id))
	assert.False(t, id.Matches(forged))
	assert.False(t, id.Matches(NewIdentifier()))
}

func TestIdentifier_NeverFormatsSecret(t *testing.T) {
	id := NewIdentifier()
	secret := id.Secret.String()

	for _, verb := range []string{"%v", "%+v", "%#v", "%s"} {
		out := fmt.Sprintf(verb, id)
		assert.NotContains(t, out, secret, "verb %s leaked the secret", verb)
		assert.Contains(t, out, id.Public.String())
	}
	assert.Equal(t, id.Public.String(), id.String())

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("opened", "handle", id, "session", SessionHandle{ID: id, Protocol: ProtocolV10})
	assert.NotContains(t, buf.String(), secret)
	assert.Contains(t, buf.String(), id.Public.String())
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name   string
		client ProtocolVersion
		want   ProtocolVersion
	}{
		{"oldest", ProtocolV1, ProtocolV1},
		{"middle", ProtocolV6, ProtocolV6},
		{"server max", ServerMaxProtocol, ServerMaxProtocol},
		{"newer than server", ServerMaxProtocol + 3, ServerMaxProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(tt.client)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Negotiate(0)
	assert.ErrorIs(t, err, apierr.ErrProtocol)
}

func TestOperationHandle(t *testing.T) {
	h := NewOperationHandle(ExecuteStatement)
	assert.True(t, h.HasResultSet)
	assert.Equal(t, "EXECUTE_STATEMENT", h.Type.String())
	assert.Equal(t, h.ID.Public.String(), h.String())
	assert.Equal(t, "UNKNOWN", OperationType(42).String())
	assert.Equal(t, "V10", ProtocolV10.String())
}
