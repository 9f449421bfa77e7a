package stunmsg

import (
	"testing"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/require"
)

func TestBuildAndDecodeBindingRequest(t *testing.T) {
	var txID [stun.TransactionIDSize]byte
	copy(txID[:], []byte("abcdefghijkl"))

	m, err := BuildBindingRequest(BindingRequestParams{
		TransactionID: txID,
		UsernameValue: "remote:local",
		Priority:      2113929471,
		Controlling:   false,
		Tiebreaker:    12345,
		IntegrityKey:  "pwd0123456789012345678",
	})
	require.NoError(t, err)
	require.NotNil(t, m)

	decoded, err := Decode(m.Raw)
	require.NoError(t, err)

	p, ok := Priority(decoded)
	require.True(t, ok)
	require.Equal(t, uint32(2113929471), p)

	_, controlling, ok := Role(decoded)
	require.True(t, ok)
	require.False(t, controlling)

	a, b, ok := Username(decoded)
	require.True(t, ok)
	require.Equal(t, "remote", a)
	require.Equal(t, "local", b)

	require.NoError(t, CheckIntegrity(decoded, "pwd0123456789012345678"))
	require.NoError(t, CheckFingerprint(decoded.Raw))
}

func TestUseCandidateAbsentByDefault(t *testing.T) {
	var txID [stun.TransactionIDSize]byte
	m, err := BuildBindingRequest(BindingRequestParams{TransactionID: txID, UsernameValue: "a:b", IntegrityKey: "x"})
	require.NoError(t, err)
	require.False(t, UseCandidate(m))
}
