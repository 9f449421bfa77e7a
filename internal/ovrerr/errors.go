// Package ovrerr defines the error kinds used throughout the ICE/DTLS-SRTP
// transport engine. Each kind is its own type so callers can dispatch on it
// with errors.As instead of matching on strings.
package ovrerr

import "fmt"

// ConfigInvalid indicates a configuration value failed validation at
// startup (bad listen address, malformed certificate path, …).
type ConfigInvalid struct{ Err error }

func (e *ConfigInvalid) Error() string { return fmt.Sprintf("config invalid: %v", e.Err) }
func (e *ConfigInvalid) Unwrap() error { return e.Err }

// SocketBind indicates the external or internal UDP socket could not be
// bound or allocated.
type SocketBind struct{ Err error }

func (e *SocketBind) Error() string { return fmt.Sprintf("socket bind: %v", e.Err) }
func (e *SocketBind) Unwrap() error { return e.Err }

// SdpMalformed indicates an SDP session or media description failed a
// lexical or structural validation rule.
type SdpMalformed struct{ Err error }

func (e *SdpMalformed) Error() string { return fmt.Sprintf("sdp malformed: %v", e.Err) }
func (e *SdpMalformed) Unwrap() error { return e.Err }

// StunMalformed indicates a STUN message failed to decode or carried an
// attribute this engine cannot process.
type StunMalformed struct{ Err error }

func (e *StunMalformed) Error() string { return fmt.Sprintf("stun malformed: %v", e.Err) }
func (e *StunMalformed) Unwrap() error { return e.Err }

// StunUnauthorized indicates MESSAGE-INTEGRITY failed to verify.
type StunUnauthorized struct{ Err error }

func (e *StunUnauthorized) Error() string { return fmt.Sprintf("stun unauthorized: %v", e.Err) }
func (e *StunUnauthorized) Unwrap() error { return e.Err }

// RoleConflict indicates both peers claimed the same ICE role and this
// side lost the tiebreaker comparison (487 error response).
type RoleConflict struct{ Err error }

func (e *RoleConflict) Error() string { return fmt.Sprintf("ice role conflict: %v", e.Err) }
func (e *RoleConflict) Unwrap() error { return e.Err }

// DtlsHandshakeFailed indicates the DTLS handshake on a pair could not
// complete.
type DtlsHandshakeFailed struct{ Err error }

func (e *DtlsHandshakeFailed) Error() string { return fmt.Sprintf("dtls handshake failed: %v", e.Err) }
func (e *DtlsHandshakeFailed) Unwrap() error { return e.Err }

// SrtpProfileUnsupported indicates the negotiated DTLS-SRTP profile is not
// one this engine can key.
type SrtpProfileUnsupported struct{ Err error }

func (e *SrtpProfileUnsupported) Error() string {
	return fmt.Sprintf("srtp profile unsupported: %v", e.Err)
}
func (e *SrtpProfileUnsupported) Unwrap() error { return e.Err }

// SrtpKeyInstallFailed indicates extracted keying material could not be
// installed into the SRTP context.
type SrtpKeyInstallFailed struct{ Err error }

func (e *SrtpKeyInstallFailed) Error() string {
	return fmt.Sprintf("srtp key install failed: %v", e.Err)
}
func (e *SrtpKeyInstallFailed) Unwrap() error { return e.Err }

// CandidateMalformed indicates an `a=candidate:` line failed to parse.
type CandidateMalformed struct{ Err error }

func (e *CandidateMalformed) Error() string { return fmt.Sprintf("candidate malformed: %v", e.Err) }
func (e *CandidateMalformed) Unwrap() error { return e.Err }

// PeerAddressReassignment indicates a remote address is already mapped to
// a different stream than the one being registered.
type PeerAddressReassignment struct{ Err error }

func (e *PeerAddressReassignment) Error() string {
	return fmt.Sprintf("peer address reassignment: %v", e.Err)
}
func (e *PeerAddressReassignment) Unwrap() error { return e.Err }

// SessionTimeout indicates a session never reached COMPLETED before its
// absolute deadline.
type SessionTimeout struct{ Err error }

func (e *SessionTimeout) Error() string { return fmt.Sprintf("session timeout: %v", e.Err) }
func (e *SessionTimeout) Unwrap() error { return e.Err }

// ResourceExhausted indicates a pool (ports, sessions, cookie keys) is
// exhausted.
type ResourceExhausted struct{ Err error }

func (e *ResourceExhausted) Error() string { return fmt.Sprintf("resource exhausted: %v", e.Err) }
func (e *ResourceExhausted) Unwrap() error { return e.Err }

// InternalInvariant indicates a data-model invariant was violated.
// Fatal for the session that tripped it, never for the process.
type InternalInvariant struct{ Err error }

func (e *InternalInvariant) Error() string { return fmt.Sprintf("internal invariant: %v", e.Err) }
func (e *InternalInvariant) Unwrap() error { return e.Err }
