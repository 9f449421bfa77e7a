// Package stunmsg frames and decodes the STUN messages this gateway's
// checklist engine sends and receives. The generic parts
// — message framing, MESSAGE-INTEGRITY, FINGERPRINT, XOR-MAPPED-ADDRESS,
// ERROR-CODE, USERNAME — are built on github.com/pion/stun/v3. The
// ICE-specific attributes (PRIORITY, USE-CANDIDATE, ICE-CONTROLLING,
// ICE-CONTROLLED) are encoded here directly: they are registered STUN
// attribute numbers but pion/stun/v3 leaves their payload semantics to
// the ICE layer, which is what this package is.
package stunmsg

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pion/stun/v3"

	"github.com/mediabridge/iceproxy/internal/ovrerr"
)

// Role-agnostic ICE attribute numbers (RFC 8445 §16.1).
const (
	attrPriority       stun.AttrType = 0x0024
	attrUseCandidate   stun.AttrType = 0x0025
	attrICEControlled  stun.AttrType = 0x8029
	attrICEControlling stun.AttrType = 0x802A
)

// CodeRoleConflict is the STUN error code for a losing role-conflict
// response (RFC 8445 §7.3.1.1).
const CodeRoleConflict stun.ErrorCode = 487

// BindingRequestParams collects the fields needed to build an outgoing
// Binding Request.
type BindingRequestParams struct {
	TransactionID [stun.TransactionIDSize]byte
	UsernameValue string // "remote_ufrag:local_ufrag"
	Priority      uint32
	Controlling   bool
	Tiebreaker    uint64
	UseCandidate  bool
	IntegrityKey  string // the remote password
}

// BuildBindingRequest builds a Binding Request with USERNAME, PRIORITY,
// the role attribute, optionally USE-CANDIDATE, then MESSAGE-INTEGRITY
// and FINGERPRINT last, in that order (RFC 5389 §10, RFC 8445 §7.1.1).
func BuildBindingRequest(p BindingRequestParams) (*stun.Message, error) {
	m := new(stun.Message)
	m.SetType(stun.NewType(stun.MethodBinding, stun.ClassRequest))
	m.TransactionID = p.TransactionID
	m.WriteHeader()

	if err := stun.NewUsername(p.UsernameValue).AddTo(m); err != nil {
		return nil, &ovrerr.StunMalformed{Err: err}
	}
	addUint32(m, attrPriority, p.Priority)
	if p.Controlling {
		addUint64(m, attrICEControlling, p.Tiebreaker)
	} else {
		addUint64(m, attrICEControlled, p.Tiebreaker)
	}
	if p.UseCandidate {
		m.Add(attrUseCandidate, nil)
	}

	return finalize(m, p.IntegrityKey)
}

// BuildBindingSuccess builds a Binding Success Response carrying
// XOR-MAPPED-ADDRESS, MESSAGE-INTEGRITY, FINGERPRINT.
func BuildBindingSuccess(txID [stun.TransactionIDSize]byte, mappedIP []byte, mappedPort int, integrityKey string) (*stun.Message, error) {
	m := new(stun.Message)
	m.SetType(stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse))
	m.TransactionID = txID
	m.WriteHeader()

	xorAddr := stun.XORMappedAddress{IP: mappedIP, Port: mappedPort}
	if err := xorAddr.AddTo(m); err != nil {
		return nil, &ovrerr.StunMalformed{Err: err}
	}
	return finalize(m, integrityKey)
}

// BuildBindingSuccessPlain builds a Binding Success Response without
// MESSAGE-INTEGRITY, used to answer a plain (ICE-less) STUN request that
// arrived without PRIORITY.
func BuildBindingSuccessPlain(txID [stun.TransactionIDSize]byte, mappedIP []byte, mappedPort int) (*stun.Message, error) {
	m := new(stun.Message)
	m.SetType(stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse))
	m.TransactionID = txID
	m.WriteHeader()

	xorAddr := stun.XORMappedAddress{IP: mappedIP, Port: mappedPort}
	if err := xorAddr.AddTo(m); err != nil {
		return nil, &ovrerr.StunMalformed{Err: err}
	}
	return m, nil
}

// BuildErrorResponse builds a Binding Error Response with ERROR-CODE,
// MESSAGE-INTEGRITY (when a key is available) and FINGERPRINT.
func BuildErrorResponse(txID [stun.TransactionIDSize]byte, code stun.ErrorCode, reason string, integrityKey string) (*stun.Message, error) {
	m := new(stun.Message)
	m.SetType(stun.NewType(stun.MethodBinding, stun.ClassErrorResponse))
	m.TransactionID = txID
	m.WriteHeader()

	errAttr := stun.ErrorCodeAttribute{Code: code, Reason: []byte(reason)}
	if err := errAttr.AddTo(m); err != nil {
		return nil, &ovrerr.StunMalformed{Err: err}
	}
	return finalize(m, integrityKey)
}

func finalize(m *stun.Message, integrityKey string) (*stun.Message, error) {
	if integrityKey != "" {
		integrity := stun.NewShortTermIntegrity(integrityKey)
		if err := integrity.AddTo(m); err != nil {
			return nil, &ovrerr.StunMalformed{Err: err}
		}
	}
	if err := stun.Fingerprint.AddTo(m); err != nil {
		return nil, &ovrerr.StunMalformed{Err: err}
	}
	return m, nil
}

// Decode parses a raw STUN message. The caller is responsible for
// confirming buf[0] is in [0,3] (the mux already did) before calling
// this.
func Decode(buf []byte) (*stun.Message, error) {
	m := &stun.Message{Raw: append([]byte(nil), buf...)}
	if err := m.Decode(); err != nil {
		return nil, &ovrerr.StunMalformed{Err: err}
	}
	return m, nil
}

// CheckIntegrity verifies MESSAGE-INTEGRITY against the truncated frame
// whose length field is rewritten to end at the attribute boundary.
func CheckIntegrity(m *stun.Message, key string) error {
	if err := stun.NewShortTermIntegrity(key).Check(m); err != nil {
		return &ovrerr.StunUnauthorized{Err: err}
	}
	return nil
}

// CheckFingerprint independently verifies the FINGERPRINT attribute,
// which MUST be the last attribute in the message. This
// recomputes CRC32-IEEE over the frame up to the FINGERPRINT attribute's
// boundary and XORs with the RFC 5389 mask, rather than relying on
// library internals, since the formula is normative here.
func CheckFingerprint(raw []byte) error {
	const fpLen = 8 // type(2) + length(2) + value(4)
	if len(raw) < fpLen {
		return &ovrerr.StunMalformed{Err: errShortFingerprint}
	}
	boundary := len(raw) - fpLen
	got := binary.BigEndian.Uint32(raw[boundary+4:])
	want := crc32.ChecksumIEEE(raw[:boundary]) ^ 0x5354554e
	if got != want {
		return &ovrerr.StunMalformed{Err: errBadFingerprint}
	}
	return nil
}

func addUint32(m *stun.Message, t stun.AttrType, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	m.Add(t, buf[:])
}

func addUint64(m *stun.Message, t stun.AttrType, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	m.Add(t, buf[:])
}

// Priority reads the PRIORITY attribute, if present.
func Priority(m *stun.Message) (uint32, bool) {
	v, err := m.Get(attrPriority)
	if err != nil || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// UseCandidate reports whether USE-CANDIDATE is present.
func UseCandidate(m *stun.Message) bool {
	_, err := m.Get(attrUseCandidate)
	return err == nil
}

// Role reads the ICE-CONTROLLING or ICE-CONTROLLED attribute, returning
// the tiebreaker value and whether the message's sender asserts the
// controlling role.
func Role(m *stun.Message) (tiebreaker uint64, controlling bool, ok bool) {
	if v, err := m.Get(attrICEControlling); err == nil && len(v) == 8 {
		return binary.BigEndian.Uint64(v), true, true
	}
	if v, err := m.Get(attrICEControlled); err == nil && len(v) == 8 {
		return binary.BigEndian.Uint64(v), false, true
	}
	return 0, false, false
}

// Username reads and splits the USERNAME attribute as "a:b".
func Username(m *stun.Message) (a, b string, ok bool) {
	var u stun.Username
	if err := u.GetFrom(m); err != nil {
		return "", "", false
	}
	s := u.String()
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// MappedAddress reads XOR-MAPPED-ADDRESS.
func MappedAddress(m *stun.Message) (ip []byte, port int, ok bool) {
	var addr stun.XORMappedAddress
	if err := addr.GetFrom(m); err != nil {
		return nil, 0, false
	}
	return addr.IP, addr.Port, true
}

var (
	errShortFingerprint = stunmsgError("frame too short for fingerprint")
	errBadFingerprint   = stunmsgError("fingerprint mismatch")
)

type stunmsgError string

func (e stunmsgError) Error() string { return string(e) }
