package sdp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleOffer() *Session {
	return &Session{
		Version: 0,
		Origin: Origin{
			Username: "-", SessionID: 1, SessionVersion: 1,
			NetType: "IN", AddrType: "IP4", Address: "0.0.0.0",
		},
		Name:      "session-uuid",
		Bandwidth: map[string]uint64{},
		Times:     []TimeBlock{{Start: 0, Stop: 0}},
		Attributes: []Attr{
			{Key: "ice-options", Value: "trickle"},
		},
		Media: []*MediaDesc{
			{
				Media: "audio", Port: 0, Proto: "UDP/TLS/RTP/SAVPF", Formats: []string{"111"},
				Bandwidth:  map[string]uint64{},
				Connection: []ConnectionInfo{{NetType: "IN", AddrType: "IP4", Address: "127.0.0.1"}},
				Attributes: []Attr{
					{Key: "ice-ufrag", Value: "abc"},
					{Key: "ice-pwd", Value: "0123456789012345678901"},
					{Key: "setup", Value: "passive"},
					{Key: "rtcp-mux"},
					{Key: "fingerprint", Value: "sha-256 AA:BB"},
					{Key: "candidate", Value: "1 1 udp 2130706431 127.0.0.1 40000 typ host"},
					{Key: "end-of-candidates"},
				},
			},
		},
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	s := sampleOffer()
	raw, err := s.Serialize()
	require.NoError(t, err)
	require.Contains(t, string(raw), "\r\n")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, s.Name, parsed.Name)
	require.Len(t, parsed.Media, 1)
	require.Equal(t, 0, parsed.Media[0].Port)

	ufrag, ok := Get(parsed.Media[0], "ice-ufrag")
	require.True(t, ok)
	require.Equal(t, "abc", ufrag)

	dir, ok := parsed.Media[0].Direction()
	require.False(t, ok)
	require.Equal(t, DirectionUnspecified, dir)
}

func TestTimeZeroZeroAccepted(t *testing.T) {
	require.True(t, IsValidTimeBlock(0, 0))
}

func TestTimeZeroOneRejected(t *testing.T) {
	require.False(t, IsValidTimeBlock(0, 1))
}

func TestPortBoundaries(t *testing.T) {
	require.True(t, ValidPort(0))
	require.True(t, ValidPort(65535))
	require.False(t, ValidPort(65536))
	require.False(t, ValidPort(-1))
}

func TestAttributeCursorPrivateAdvance(t *testing.T) {
	m := &MediaDesc{Attributes: []Attr{{Key: "candidate", Value: "a"}, {Key: "candidate", Value: "b"}}}
	c1 := Iterate(m, "candidate")
	v, ok := c1.Next("candidate")
	require.True(t, ok)
	require.Equal(t, "a", v)

	// A second, independent cursor starts fresh — it must not see c1's
	// advanced position.
	c2 := Iterate(m, "candidate")
	v2, ok := c2.Next("candidate")
	require.True(t, ok)
	require.Equal(t, "a", v2)

	v, ok = c1.Next("candidate")
	require.True(t, ok)
	require.Equal(t, "b", v)

	_, ok = c1.Next("candidate")
	require.False(t, ok)
}

func TestDirectionReadsSingleAttribute(t *testing.T) {
	m := &MediaDesc{Attributes: []Attr{{Key: "sendonly"}}}
	d, ok := m.Direction()
	require.True(t, ok)
	require.Equal(t, DirectionSendOnly, d)
}

func TestGrammarPredicates(t *testing.T) {
	require.True(t, IsToken([]byte("UDP")))
	require.False(t, IsToken([]byte("a b")))
	require.True(t, IsIP4([]byte("127.0.0.1")))
	require.False(t, IsIP4([]byte("999.0.0.1")))
	require.True(t, IsKey([]byte("clear:secret")))
	require.True(t, IsKey([]byte("prompt")))
	require.False(t, IsKey([]byte("bogus")))
	require.True(t, IsBandwidth([]byte("AS:64")))
	require.True(t, IsAddress([]byte("127.0.0.1")))
	require.True(t, IsAddress([]byte("::1")))
	require.True(t, IsAddress([]byte("example.org")))
	require.False(t, IsAddress([]byte("not an address")))
	require.True(t, IsMulticastIP4([]byte("239.1.1.1")))
	require.False(t, IsMulticastIP4([]byte("10.0.0.1")))
	require.True(t, IsUsername([]byte("alice")))
	require.False(t, IsUsername([]byte("al ice")))
	require.True(t, IsByteString([]byte("ice-options")))
	require.False(t, IsByteString([]byte("bad\nvalue")))
	require.True(t, IsText([]byte("a session for testing")))
	require.True(t, IsInteger([]byte("-42")))
	require.False(t, IsInteger([]byte("4.2")))
	require.True(t, IsPort([]byte("5000")))
	require.False(t, IsPort([]byte("70000")))
	require.True(t, IsTypedTime([]byte("7d")))
	require.False(t, IsTypedTime([]byte("")))
	require.True(t, IsTime([]byte("0")))
	require.True(t, IsTime([]byte("3034423619")))
	require.False(t, IsTime([]byte("123")))
	require.True(t, IsPhone([]byte("+1 617 555 0100")))
	require.False(t, IsPhone([]byte("not-a-phone!")))
	require.True(t, IsEmail([]byte("alice@example.org")))
	require.False(t, IsEmail([]byte("not an email")))
	require.True(t, IsProto([]byte("UDP/TLS/RTP/SAVPF")))
	require.False(t, IsProto([]byte("SCTP")))
}

func TestValidateRejectsBadOrigin(t *testing.T) {
	s := sampleOffer()
	s.Origin.Address = "not an address"
	_, err := s.Serialize()
	require.Error(t, err)
}

func TestValidateRejectsBadEmail(t *testing.T) {
	s := sampleOffer()
	s.Emails = []string{"not an email"}
	_, err := s.Serialize()
	require.Error(t, err)
}
