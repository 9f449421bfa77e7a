package candidate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c := New("1", Host, "127.0.0.1", 40000)
	s := c.String()
	parsed, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, c.Foundation, parsed.Foundation)
	require.Equal(t, c.Address, parsed.Address)
	require.Equal(t, c.Port, parsed.Port)
	require.Equal(t, c.Type, parsed.Type)
	require.Equal(t, c.Priority, parsed.Priority)
}

func TestPriorityDeterministic(t *testing.T) {
	require.Equal(t, Priority(Host), Priority(Host))
	require.Greater(t, Priority(Host), Priority(ServerReflexive))
	require.Greater(t, Priority(PeerReflexive), Priority(ServerReflexive))
	require.Greater(t, Priority(ServerReflexive), Priority(Relayed))
}

func TestParseRejectsBadPriority(t *testing.T) {
	_, err := Parse("1 1 udp notanumber 127.0.0.1 40000 typ host")
	require.Error(t, err)
}

func TestParseRejectsUnknownTransport(t *testing.T) {
	_, err := Parse("1 1 tcp 2130706431 127.0.0.1 40000 typ host")
	require.Error(t, err)
}

func TestParseRejectsMissingTyp(t *testing.T) {
	_, err := Parse("1 1 udp 2130706431 127.0.0.1 40000 host")
	require.Error(t, err)
}

func TestParseTolerantOfExtensions(t *testing.T) {
	c, err := Parse("1 1 udp 2130706431 127.0.0.1 40000 typ host generation 0 ufrag abcd")
	require.NoError(t, err)
	require.Equal(t, 0, c.Generation)
}
