package proxy

import (
	"crypto/tls"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/srtp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/mediabridge/iceproxy/internal/candidate"
	"github.com/mediabridge/iceproxy/internal/cert"
	"github.com/mediabridge/iceproxy/internal/config"
	"github.com/mediabridge/iceproxy/internal/dtlsengine"
	"github.com/mediabridge/iceproxy/internal/forward"
	"github.com/mediabridge/iceproxy/internal/metrics"
	"github.com/mediabridge/iceproxy/internal/sdp"
	"github.com/mediabridge/iceproxy/internal/session"
)

// testConfig builds a config bound to an OS-assigned loopback port, with
// the pacing/timeout knobs the caller supplies.
func testConfig(t *testing.T, sessionTimeout, connectivityPace time.Duration) *config.Config {
	t.Helper()
	cfg := &config.Config{
		External: config.Endpoint{Host: "127.0.0.1", Port: 0},
		Limits: config.Limits{
			SessionTimeoutUsec:   int64(sessionTimeout / time.Microsecond),
			ConnectivityPaceUsec: int64(connectivityPace / time.Microsecond),
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestProxy(t *testing.T, sessionTimeout, connectivityPace time.Duration) *Proxy {
	t.Helper()
	cfg := testConfig(t, sessionTimeout, connectivityPace)
	certificate, err := cert.Generate()
	require.NoError(t, err)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	p, err := New(cfg, certificate, logging.NewDefaultLoggerFactory(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestSessionTimeoutTearsDownSession covers a session that never reaches
// an answer or a candidate: once its deadline fires it must disappear
// from the proxy entirely (ufrag/socket/transaction table entries
// included) rather than merely logging a warning.
func TestSessionTimeoutTearsDownSession(t *testing.T) {
	p := newTestProxy(t, 60*time.Millisecond, time.Minute)

	s, target, err := p.CreateSession()
	require.NoError(t, err)
	require.NotNil(t, target)

	require.Eventually(t, func() bool {
		_, ok := p.Lookup(s.ID.String())
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "session must be removed from the registry once its deadline fires")

	p.mu.Lock()
	_, ufragStillTaken := p.ufrags[s.Streams[0].LocalUfrag]
	_, internalSocketStillOpen := p.internalSockets[s.Streams[0]]
	p.mu.Unlock()
	require.False(t, ufragStillTaken, "timed-out session's ufrag must be freed")
	require.False(t, internalSocketStillOpen, "timed-out session's internal socket must be released")

	err = p.Drop(s.ID.String())
	require.Error(t, err, "a follow-up drop of a timed-out session must report it unknown")
}

// TestDTLSCompletingOnUnselectedPairFailsStream covers the STUN/DTLS
// reconciliation rule the other way around: two candidates are
// registered for the same stream (as trickle-ICE allows), STUN settles
// on one of them, and the peer only ever completes its DTLS handshake on
// the other. The stream's DTLS substate — and therefore its overall
// state — must end up FAILED, never COMPLETED.
func TestDTLSCompletingOnUnselectedPairFailsStream(t *testing.T) {
	p := newTestProxy(t, time.Minute, time.Minute)
	go func() { _ = p.Run() }()

	s, _, err := p.CreateSession()
	require.NoError(t, err)
	st := s.Streams[0]

	proxyAddr := p.conn.LocalAddr().(*net.UDPAddr)

	peerA, err := net.DialUDP("udp", nil, proxyAddr)
	require.NoError(t, err)
	defer peerA.Close()
	peerB, err := net.DialUDP("udp", nil, proxyAddr)
	require.NoError(t, err)
	defer peerB.Close()

	addrA := peerA.LocalAddr().(*net.UDPAddr)
	addrB := peerB.LocalAddr().(*net.UDPAddr)

	candA := candidate.New("fA", candidate.Host, addrA.IP.String(), addrA.Port)
	candB := candidate.New("fB", candidate.Host, addrB.IP.String(), addrB.Port)
	require.NoError(t, p.AddCandidate(s, "", 0, "", candA))
	require.NoError(t, p.AddCandidate(s, "", 0, "", candB))

	pairA := st.Checklist.ByRemote(addrA.IP.String(), addrA.Port)
	pairB := st.Checklist.ByRemote(addrB.IP.String(), addrB.Port)
	require.NotNil(t, pairA)
	require.NotNil(t, pairB)

	// Simulate STUN having already nominated and selected pair A; the
	// connectivity pace is a full minute in this test so nothing else
	// touches the stream concurrently.
	st.Selected = pairA
	st.StunState = session.Completed

	// The peer only ever drives its DTLS handshake over pair B.
	peerCert, err := cert.Generate()
	require.NoError(t, err)
	clientDone := make(chan error, 1)
	go func() {
		conn, err := dtls.Client(peerB, proxyAddr, &dtls.Config{
			Certificates:           []tls.Certificate{peerCert.TLSCertificate()},
			SRTPProtectionProfiles: dtlsengine.Profiles,
			InsecureSkipVerify:     true,
		})
		if err == nil {
			_ = conn.Close()
		}
		clientDone <- err
	}()

	select {
	case err := <-clientDone:
		require.NoError(t, err, "peer-side DTLS handshake over pair B must complete")
	case <-time.After(5 * time.Second):
		t.Fatal("dtls handshake over pair B did not complete")
	}

	require.Eventually(t, func() bool {
		return st.State() == session.Failed
	}, 2*time.Second, 10*time.Millisecond,
		"a stream whose DTLS converges on a pair other than the one STUN selected must fail, not install forwarding")

	p.mu.Lock()
	_, installed := p.forwards[st]
	p.mu.Unlock()
	require.False(t, installed, "no forwarding session may be installed for a DTLS/STUN pair mismatch")
}

// TestOfferSDPShape checks the offer this gateway emits on session
// create: exactly one host candidate at the external address, one
// sha-256 fingerprint, the stream's ufrag, a >=22 char password,
// passive setup, rtcp-mux, one ssrc line carrying the session UUID as
// cname, trickle support, and end-of-candidates.
func TestOfferSDPShape(t *testing.T) {
	p := newTestProxy(t, time.Minute, time.Minute)

	s, _, err := p.CreateSession()
	require.NoError(t, err)
	st := s.Streams[0]

	raw, err := p.OfferSDP(s)
	require.NoError(t, err)

	parsed, err := sdp.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, s.ID.String(), parsed.Name)

	trickle, ok := sdp.Get(parsed, "ice-options")
	require.True(t, ok)
	require.Equal(t, "trickle", trickle)

	require.Len(t, parsed.Media, 1)
	m := parsed.Media[0]
	require.Equal(t, "audio", m.Media)
	require.Equal(t, "UDP/TLS/RTP/SAVPF", m.Proto)

	ufrag, ok := sdp.Get(m, "ice-ufrag")
	require.True(t, ok)
	require.Equal(t, st.LocalUfrag, ufrag)
	pwd, ok := sdp.Get(m, "ice-pwd")
	require.True(t, ok)
	require.GreaterOrEqual(t, len(pwd), 22)
	setup, ok := sdp.Get(m, "setup")
	require.True(t, ok)
	require.Equal(t, "passive", setup)
	require.True(t, sdp.IsSet(m, "rtcp-mux"))
	require.True(t, sdp.IsSet(m, "end-of-candidates"))

	fp, ok := sdp.Get(m, "fingerprint")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(fp, "sha-256 "))
	require.Equal(t, p.certificate.Fingerprint(), fp)

	ssrcVal, ok := sdp.Get(m, "ssrc")
	require.True(t, ok)
	require.Contains(t, ssrcVal, "cname:"+s.ID.String())

	boundPort := p.conn.LocalAddr().(*net.UDPAddr).Port
	var candidates []string
	cur := sdp.Iterate(m, "candidate")
	for v, ok := cur.Next("candidate"); ok; v, ok = cur.Next("candidate") {
		candidates = append(candidates, v)
	}
	require.Len(t, candidates, 1)
	c, err := candidate.Parse(candidates[0])
	require.NoError(t, err)
	require.Equal(t, candidate.Host, c.Type)
	require.Equal(t, "127.0.0.1", c.Address)
	require.Equal(t, boundPort, c.Port)
}

func answerSDP(body string) []byte {
	return []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 0.0.0.0\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=ice-options:trickle\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 0\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		body)
}

// TestApplyAnswerStoresPeerParametersAndCandidates covers the answer
// path end to end: peer ufrag/pwd/fingerprint/ssrc land on the stream, a
// carried candidate becomes a checklist pair, and end-of-candidates
// marks the remote side gathered.
func TestApplyAnswerStoresPeerParametersAndCandidates(t *testing.T) {
	p := newTestProxy(t, time.Minute, time.Minute)
	s, _, err := p.CreateSession()
	require.NoError(t, err)
	st := s.Streams[0]

	answer := answerSDP(
		"a=ice-ufrag:peerufrag\r\n" +
			"a=ice-pwd:peerpassword0123456789012\r\n" +
			"a=setup:active\r\n" +
			"a=fingerprint:sha-256 AA:BB\r\n" +
			"a=ssrc:123456 cname:peer\r\n" +
			"a=candidate:1 1 udp 2122260223 198.51.100.7 50001 typ host\r\n" +
			"a=end-of-candidates\r\n")
	require.NoError(t, p.ApplyAnswer(s, answer))

	require.Equal(t, "peerufrag", st.RemoteUfrag)
	require.Equal(t, "peerpassword0123456789012", st.RemotePwd)
	require.Equal(t, "sha-256 AA:BB", st.RemoteFingerprint)
	require.Equal(t, uint32(123456), st.RemoteSSRC)
	require.True(t, st.RemoteGathered)

	pair := st.Checklist.ByRemote("198.51.100.7", 50001)
	require.NotNil(t, pair, "the answer's candidate must become a checklist pair")
}

func TestApplyAnswerRejectsNonTrickleOrBadProto(t *testing.T) {
	p := newTestProxy(t, time.Minute, time.Minute)
	s, _, err := p.CreateSession()
	require.NoError(t, err)

	noTrickle := []byte("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 0\r\nc=IN IP4 198.51.100.7\r\n" +
		"a=ice-ufrag:u\r\na=ice-pwd:peerpassword0123456789012\r\n" +
		"a=setup:active\r\na=fingerprint:sha-256 AA:BB\r\n")
	require.Error(t, p.ApplyAnswer(s, noTrickle))

	badProto := answerSDP("a=ice-ufrag:u\r\na=ice-pwd:peerpassword0123456789012\r\n" +
		"a=setup:active\r\na=fingerprint:sha-256 AA:BB\r\n")
	badProto = []byte(strings.Replace(string(badProto), "UDP/TLS/RTP/SAVPF", "RTP/AVP", 1))
	require.Error(t, p.ApplyAnswer(s, badProto))

	twoDirections := answerSDP("a=ice-ufrag:u\r\na=ice-pwd:peerpassword0123456789012\r\n" +
		"a=setup:active\r\na=fingerprint:sha-256 AA:BB\r\n" +
		"a=sendonly\r\na=recvonly\r\n")
	require.Error(t, p.ApplyAnswer(s, twoDirections))
}

// TestTrickleCandidateCreatesPairAndRefusesReassignment covers both the
// trickle path (a candidate event creates a pair with that remote
// address) and the (host,port)->stream partial-function invariant: the
// same peer address trickled into a second session is refused.
func TestTrickleCandidateCreatesPairAndRefusesReassignment(t *testing.T) {
	p := newTestProxy(t, time.Minute, time.Minute)

	s1, _, err := p.CreateSession()
	require.NoError(t, err)
	s2, _, err := p.CreateSession()
	require.NoError(t, err)

	c, err := candidate.Parse("1 1 udp 2122260223 198.51.100.7 50001 typ host")
	require.NoError(t, err)

	require.NoError(t, p.AddCandidate(s1, "", 0, "", c))
	pair := s1.Streams[0].Checklist.ByRemote("198.51.100.7", 50001)
	require.NotNil(t, pair)

	err = p.AddCandidate(s2, "", 0, "", c)
	require.Error(t, err, "a peer address already owned by another stream must be refused")
}

// TestDTLSAndSRTPInstallForwardsMediaToLoops is the happy path across
// the whole data plane: the peer completes DTLS on the selected pair,
// forwarding installs, and a valid SRTP packet from the peer is
// unprotected, rewritten to the local SSRC, and fanned out to an
// attached loop socket.
func TestDTLSAndSRTPInstallForwardsMediaToLoops(t *testing.T) {
	p := newTestProxy(t, time.Minute, time.Minute)
	go func() { _ = p.Run() }()

	s, _, err := p.CreateSession()
	require.NoError(t, err)
	st := s.Streams[0]
	st.RemoteSSRC = 0x11223344

	proxyAddr := p.conn.LocalAddr().(*net.UDPAddr)
	peer, err := net.DialUDP("udp", nil, proxyAddr)
	require.NoError(t, err)
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	cand := candidate.New("f1", candidate.Host, peerAddr.IP.String(), peerAddr.Port)
	require.NoError(t, p.AddCandidate(s, "", 0, "", cand))
	pair := st.Checklist.ByRemote(peerAddr.IP.String(), peerAddr.Port)
	require.NotNil(t, pair)

	// Simulate STUN having settled on this pair before the handshake
	// completes; the reconciliation rule then installs forwarding as
	// soon as DTLS finishes on it.
	st.Selected = pair
	st.StunState = session.Completed

	peerCert, err := cert.Generate()
	require.NoError(t, err)
	dtlsConn, err := dtls.Client(peer, proxyAddr, &dtls.Config{
		Certificates:           []tls.Certificate{peerCert.TLSCertificate()},
		SRTPProtectionProfiles: dtlsengine.Profiles,
		InsecureSkipVerify:     true,
	})
	require.NoError(t, err)
	defer dtlsConn.Close()

	require.Eventually(t, func() bool {
		_, ok := p.forwardFor(st)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "forwarding must install once DTLS completes on the selected pair")
	require.Equal(t, session.Completed, st.State())

	loopConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer loopConn.Close()
	loopAddr := loopConn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, p.Talk(s, "loop0", forward.Target{Host: "127.0.0.1", Port: loopAddr.Port}, true))

	peerCfg := &srtp.Config{Profile: srtp.ProtectionProfileAes128CmHmacSha1_80}
	peerState, stateOK := dtlsConn.ConnectionState()
	require.True(t, stateOK)
	require.NoError(t, peerCfg.ExtractSessionKeysFromDTLS(&peerState, true))
	peerSession, err := srtp.NewSessionSRTP(peer, peerCfg)
	require.NoError(t, err)
	writeStream, err := peerSession.OpenWriteStream()
	require.NoError(t, err)

	pkt := make([]byte, 172)
	pkt[0] = 0x80
	binary.BigEndian.PutUint16(pkt[2:4], 1)
	binary.BigEndian.PutUint32(pkt[4:8], 160)
	binary.BigEndian.PutUint32(pkt[8:12], st.RemoteSSRC)
	_, err = writeStream.Write(pkt)
	require.NoError(t, err)

	require.NoError(t, loopConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := loopConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 12)
	require.Equal(t, st.LocalSSRC, binary.BigEndian.Uint32(buf[8:12]),
		"inbound media must reach the loop rewritten to the stream's local SSRC")
}
