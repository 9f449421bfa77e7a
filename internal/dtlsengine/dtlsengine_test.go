package dtlsengine

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	"github.com/mediabridge/iceproxy/internal/cert"
	"github.com/mediabridge/iceproxy/internal/cookie"
)

func TestHandshakeExtractsProfileAndFingerprint(t *testing.T) {
	serverCert, err := cert.Generate()
	require.NoError(t, err)
	clientCert, err := cert.Generate()
	require.NoError(t, err)

	cookies, err := cookie.New(cookie.DefaultQuantity, cookie.DefaultLength)
	require.NoError(t, err)
	engine := New(serverCert, cookies, nil, logging.NewDefaultLoggerFactory())

	serverConn, clientConn := net.Pipe()

	clientDone := make(chan error, 1)
	go func() {
		_, err := dtls.Client(packetConnAdapter{clientConn}, clientConn.RemoteAddr(), &dtls.Config{
			Certificates:           []tls.Certificate{clientCert.TLSCertificate()},
			SRTPProtectionProfiles: Profiles,
			InsecureSkipVerify:     true,
		})
		clientDone <- err
	}()

	result, err := engine.Handshake(serverConn, "")
	require.NoError(t, err)
	require.NotNil(t, result.Conn)
	require.Equal(t, clientCert.Fingerprint(), result.RemoteFingerprint)

	select {
	case err := <-clientDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client handshake did not complete")
	}
}

func TestHandshakeRejectsFingerprintMismatch(t *testing.T) {
	serverCert, err := cert.Generate()
	require.NoError(t, err)
	clientCert, err := cert.Generate()
	require.NoError(t, err)

	cookies, err := cookie.New(cookie.DefaultQuantity, cookie.DefaultLength)
	require.NoError(t, err)
	engine := New(serverCert, cookies, nil, logging.NewDefaultLoggerFactory())

	serverConn, clientConn := net.Pipe()

	go func() {
		_, _ = dtls.Client(packetConnAdapter{clientConn}, clientConn.RemoteAddr(), &dtls.Config{
			Certificates:           []tls.Certificate{clientCert.TLSCertificate()},
			SRTPProtectionProfiles: Profiles,
			InsecureSkipVerify:     true,
		})
	}()

	_, err = engine.Handshake(serverConn, "sha-256 00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00")
	require.Error(t, err)
}

func TestCookieIssueAndVerifyRoundTrip(t *testing.T) {
	serverCert, err := cert.Generate()
	require.NoError(t, err)
	cookies, err := cookie.New(cookie.DefaultQuantity, cookie.DefaultLength)
	require.NoError(t, err)
	engine := New(serverCert, cookies, nil, logging.NewDefaultLoggerFactory())

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
	c := engine.IssueCookie(addr)
	require.True(t, engine.VerifyCookie(addr, c))

	other := &net.UDPAddr{IP: net.ParseIP("203.0.113.6"), Port: 4000}
	require.False(t, engine.VerifyCookie(other, c))
}

func TestParseProfiles(t *testing.T) {
	got, err := ParseProfiles("SRTP_AES128_CM_SHA1_80:SRTP_AEAD_AES_128_GCM")
	require.NoError(t, err)
	require.Equal(t, []dtls.SRTPProtectionProfile{
		dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		dtls.SRTP_AEAD_AES_128_GCM,
	}, got)

	got, err = ParseProfiles("")
	require.NoError(t, err)
	require.Equal(t, Profiles, got)

	_, err = ParseProfiles("SRTP_NULL_NULL")
	require.Error(t, err)
}

func TestAdmitPeerReticketsAfterKeyRotation(t *testing.T) {
	serverCert, err := cert.Generate()
	require.NoError(t, err)
	cookies, err := cookie.New(2, 16)
	require.NoError(t, err)
	engine := New(serverCert, cookies, nil, logging.NewDefaultLoggerFactory())

	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 4100}
	require.NoError(t, engine.admitPeer(addr))
	require.NoError(t, engine.admitPeer(addr), "a live ticket keeps the address admitted")

	// Rotate the ticket's issuing key out of the pool entirely.
	require.NoError(t, cookies.Rotate())
	require.NoError(t, cookies.Rotate())

	err = engine.admitPeer(addr)
	require.Error(t, err, "an address whose ticket outlived every pool key must re-admit")
	require.NoError(t, engine.admitPeer(addr), "the failed attempt re-tickets the address for the next one")

	engine.ForgetPeer(addr)
	require.NoError(t, engine.admitPeer(addr))
}
