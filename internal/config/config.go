// Package config defines the shape of the ICE proxy's configuration.
// Loading the file (and any environment-variable overlay) is owned by
// the host process; this package only models the values and validates
// them.
package config

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/mediabridge/iceproxy/internal/ovrerr"
)

var (
	errEmptyHost = errors.New("external.host must not be empty")
	errBadPort   = errors.New("external.port out of range")
)

// Endpoint is a host/port pair, used both for the proxy's own external
// listener and for configured STUN/TURN servers.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// PortRange is the dynamic-variant per-stream UDP port allocation range.
type PortRange struct {
	Min uint16 `json:"min"`
	Max uint16 `json:"max"`
}

// TurnServer is a configured STUN/TURN server used only by the dynamic
// variant's candidate gathering.
type TurnServer struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// DTLS holds the certificate material and CA trust configuration.
type DTLS struct {
	CertFile string `json:"cert"`
	KeyFile  string `json:"key"`
	CAFile   string `json:"ca_file,omitempty"`
	CAPath   string `json:"ca_path,omitempty"`
}

// CookiePool configures the DTLS cookie key ring that dtlsengine uses to
// admit peer addresses before a handshake. The HelloVerifyRequest
// cookies (RFC 6347 §4.2.1) are produced by pion/dtls, not by this ring.
type CookiePool struct {
	Quantity     int   `json:"quantity"`
	Length       int   `json:"length"`
	LifetimeUsec int64 `json:"lifetime_usec"`
}

// Lifetime returns the key rotation period as a time.Duration.
func (c CookiePool) Lifetime() time.Duration {
	return time.Duration(c.LifetimeUsec) * time.Microsecond
}

// Limits holds the pacing and timeout knobs governing connectivity
// checks, transaction garbage collection, and session lifetime.
type Limits struct {
	TransactionLifetimeUsec int64 `json:"transaction_lifetime"`
	ConnectivityPaceUsec    int64 `json:"connectivity_pace"`
	SessionTimeoutUsec      int64 `json:"session_timeout"`
	KeepaliveUsec           int64 `json:"keepalive"`
}

func (l Limits) TransactionLifetime() time.Duration {
	return durOrDefault(l.TransactionLifetimeUsec, 300*time.Second)
}

func (l Limits) ConnectivityPace() time.Duration {
	return durOrDefault(l.ConnectivityPaceUsec, 50*time.Millisecond)
}

func (l Limits) SessionTimeout() time.Duration {
	return durOrDefault(l.SessionTimeoutUsec, 300*time.Second)
}

func (l Limits) Keepalive() time.Duration {
	return durOrDefault(l.KeepaliveUsec, 15*time.Second)
}

func durOrDefault(usec int64, def time.Duration) time.Duration {
	if usec <= 0 {
		return def
	}
	return time.Duration(usec) * time.Microsecond
}

// Config is the full configuration contract for an ICE proxy instance.
type Config struct {
	External     Endpoint     `json:"external"`
	PortRange    *PortRange   `json:"port_range,omitempty"`
	STUNServers  []TurnServer `json:"stun_servers,omitempty"`
	TURNServers  []TurnServer `json:"turn_servers,omitempty"`
	DTLS         DTLS         `json:"dtls"`
	SRTPProfiles string       `json:"srtp_profile"`
	CookiePool   CookiePool   `json:"dtls_cookies"`
	Limits       Limits       `json:"limits"`
}

// DefaultSRTPProfiles is used when Config.SRTPProfiles is empty.
const DefaultSRTPProfiles = "SRTP_AES128_CM_SHA1_80:SRTP_AES128_CM_SHA1_32"

// Validate checks the subset of fields this engine cannot operate
// without. It does not reach out to the filesystem (cert/key existence is
// checked by internal/cert when the certificate is actually loaded).
func (c *Config) Validate() error {
	if c.External.Host == "" {
		return &ovrerr.ConfigInvalid{Err: errEmptyHost}
	}
	if c.External.Port < 0 || c.External.Port > 65535 {
		return &ovrerr.ConfigInvalid{Err: errBadPort}
	}
	if c.SRTPProfiles == "" {
		c.SRTPProfiles = DefaultSRTPProfiles
	}
	if c.CookiePool.Quantity <= 0 {
		c.CookiePool.Quantity = 10
	}
	if c.CookiePool.Length <= 0 || c.CookiePool.Length > 20 {
		c.CookiePool.Length = 20
	}
	return nil
}
