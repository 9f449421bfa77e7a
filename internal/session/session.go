// Package session implements the ICE session engine and the stream-level
// checklist orchestration (RFC 8445) built on top of the pure primitives
// in internal/checklist. A Session owns one negotiation with one peer; a
// Stream is one `m=` line (this gateway always creates exactly one,
// rtcp-mux required).
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/randutil"

	"github.com/mediabridge/iceproxy/internal/checklist"
	"github.com/mediabridge/iceproxy/internal/ovrerr"
)

// Role is the ICE agent role.
type Role int

const (
	Controlled Role = iota
	Controlling
)

// SubState is shared by the overall stream/session state and by each
// per-protocol sub-state.
type SubState int

const (
	Init SubState = iota
	Running
	Completed
	Failed
	ErrorState
)

func (s SubState) String() string {
	switch s {
	case Init:
		return "INIT"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case ErrorState:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// OVMaxAnalogSSRC bounds the random SSRC this gateway draws for its
// streams, keeping them out of any low range a peer might reserve.
const OVMaxAnalogSSRC = 1 << 16

// Stream is one `m=` line: one ICE checklist, one set of per-protocol
// sub-states.
type Stream struct {
	mu sync.Mutex

	Index int

	LocalUfrag string
	LocalPwd   string
	LocalSSRC  uint32
	PayloadFmt int

	RemoteUfrag       string
	RemotePwd         string
	RemoteFingerprint string
	RemoteSSRC        uint32
	RemoteGathered    bool

	StunState SubState
	DtlsState SubState
	SrtpState SubState

	Checklist checklist.List
	Valid     checklist.ValidList
	Trigger   checklist.TriggerQueue
	Selected  *checklist.Pair

	// nominatedPair is the pair the controlling side has marked for
	// nomination, tracked independently of Selected/StunState so the
	// retransmit loop in StartNominateRetransmit can tell "nominated, not
	// yet confirmed by the peer" apart from "nomination settled".
	nominatedPair *checklist.Pair

	nominateTimer *time.Timer

	session *Session // non-owning back-reference
}

// State reduces the three per-protocol sub-states to the stream's
// overall state: any failure fails the stream, all-complete completes
// it, otherwise it's still running.
func (s *Stream) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reduce([]SubState{s.StunState, s.DtlsState, s.SrtpState})
}

func reduce(states []SubState) SubState {
	anyFailed := false
	allCompleted := true
	for _, st := range states {
		if st == Failed || st == ErrorState {
			anyFailed = true
		}
		if st != Completed {
			allCompleted = false
		}
	}
	if anyFailed {
		return Failed
	}
	if allCompleted {
		return Completed
	}
	return Running
}

// Session is one ICE/DTLS-SRTP negotiation with one peer.
type Session struct {
	mu sync.Mutex

	ID          uuid.UUID
	Controlling bool
	Tiebreaker  uint64

	State SubState

	Streams []*Stream

	deadline     *time.Timer
	connectivity *time.Ticker

	log logging.LeveledLogger

	// onStateChange is invoked (outside the lock) whenever State settles
	// into COMPLETED or FAILED, exactly once.
	onStateChange    func(*Session)
	reportedTerminal bool
}

// New creates a session starting in the controlling role with a fresh
// 64-bit tiebreaker drawn from a CSPRNG (RFC 8445 §16 defines the
// tiebreaker as an unsigned 64-bit integer; drawing it from a CSPRNG
// keeps role arbitration from being guessable).
func New(log logging.LeveledLogger, onStateChange func(*Session)) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, &ovrerr.InternalInvariant{Err: err}
	}
	tb, err := cryptoUint64()
	if err != nil {
		return nil, &ovrerr.InternalInvariant{Err: err}
	}
	return &Session{
		ID:            id,
		Controlling:   true,
		Tiebreaker:    tb,
		State:         Init,
		log:           log,
		onStateChange: onStateChange,
	}, nil
}

func cryptoUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// NewStream allocates a Stream with a fresh UUID ufrag, a >=22 char
// random password, and a random SSRC above OVMaxAnalogSSRC. Per
// original_source/ov_ice_proxy_vocs_app.c, ufrag collisions are retried a
// bounded number of times against the supplied uniqueness check
// (invariant vi: local ufrag uniquely identifies a stream).
func (s *Session) NewStream(payloadFmt int, ufragTaken func(string) bool) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const maxAttempts = 8
	var ufrag string
	for attempt := 0; ; attempt++ {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, &ovrerr.InternalInvariant{Err: err}
		}
		ufrag = id.String()
		if ufragTaken == nil || !ufragTaken(ufrag) {
			break
		}
		if attempt == maxAttempts-1 {
			return nil, &ovrerr.ResourceExhausted{Err: fmt.Errorf("could not allocate a unique ufrag after %d attempts", maxAttempts)}
		}
	}

	pwd, err := randutil.GenerateCryptoRandomString(24, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	if err != nil {
		return nil, &ovrerr.InternalInvariant{Err: err}
	}

	ssrc, err := randomSSRC()
	if err != nil {
		return nil, &ovrerr.InternalInvariant{Err: err}
	}

	st := &Stream{
		Index:      len(s.Streams),
		LocalUfrag: ufrag,
		LocalPwd:   pwd,
		LocalSSRC:  ssrc,
		PayloadFmt: payloadFmt,
		StunState:  Init,
		DtlsState:  Init,
		SrtpState:  Init,
		session:    s,
	}
	s.Streams = append(s.Streams, st)
	s.State = Running
	return st, nil
}

func randomSSRC() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(buf[:])
	span := uint32(math.MaxUint32 - OVMaxAnalogSSRC)
	return OVMaxAnalogSSRC + v%span, nil
}

// ChangeRole flips the session's role on a lost tiebreaker comparison
// and draws a fresh tiebreaker strictly on the correct side of peerTB,
// then recomputes every pair's priority (RFC 8445 §7.3.1.1 role
// conflict handling).
func (s *Session) ChangeRole(peerTB uint64, localCandidatePriority func(*Stream) uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Controlling = !s.Controlling
	tb, err := drawTiebreaker(peerTB, s.Controlling)
	if err != nil {
		return &ovrerr.InternalInvariant{Err: err}
	}
	s.Tiebreaker = tb

	for _, st := range s.Streams {
		lp := uint32(0)
		if localCandidatePriority != nil {
			lp = localCandidatePriority(st)
		}
		st.Checklist.RecomputeAll(lp, s.Controlling)
	}
	return nil
}

func drawTiebreaker(peerTB uint64, controlling bool) (uint64, error) {
	for i := 0; i < 16; i++ {
		v, err := cryptoUint64()
		if err != nil {
			return 0, err
		}
		if controlling && v > peerTB {
			return v, nil
		}
		if !controlling && v < peerTB {
			return v, nil
		}
	}
	// Astronomically unlikely with a 64-bit draw; fall back to a value
	// guaranteed to satisfy the comparison.
	if controlling {
		return peerTB + 1, nil
	}
	if peerTB == 0 {
		return 0, nil
	}
	return peerTB - 1, nil
}

// Reduce recomputes Session.State from its streams and fires the
// terminal-state callback exactly once.
func (s *Session) Reduce() {
	s.mu.Lock()
	states := make([]SubState, len(s.Streams))
	for i, st := range s.Streams {
		states[i] = st.State()
	}
	newState := reduceSession(states)
	changed := newState != s.State
	s.State = newState
	terminal := (newState == Completed || newState == Failed) && !s.reportedTerminal
	if terminal {
		s.reportedTerminal = true
	}
	cb := s.onStateChange
	s.mu.Unlock()

	if changed && terminal && cb != nil {
		cb(s)
	}
}

func reduceSession(states []SubState) SubState {
	if len(states) == 0 {
		return Init
	}
	anyRunning := false
	allCompleted := true
	anyFailed := false
	for _, st := range states {
		if st == Running || st == Init {
			anyRunning = true
		}
		if st != Completed {
			allCompleted = false
		}
		if st == Failed {
			anyFailed = true
		}
	}
	switch {
	case anyFailed && !allCompleted:
		return Failed
	case allCompleted:
		return Completed
	case anyRunning:
		return Running
	default:
		return Running
	}
}

// StartTimers arms the absolute session-timeout and connectivity-check
// pacing timers. onTimeout is called exactly once if the deadline fires
// before the session reaches COMPLETED; onTick is called by the
// connectivity pacing timer.
func (s *Session) StartTimers(sessionTimeout, connectivityPace time.Duration, onTimeout func(), onTick func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = time.AfterFunc(sessionTimeout, func() {
		s.mu.Lock()
		already := s.State == Completed || s.State == Failed
		if !already {
			s.State = Failed
			s.reportedTerminal = true
		}
		s.mu.Unlock()
		if !already && onTimeout != nil {
			onTimeout()
		}
	})
	s.connectivity = time.NewTicker(connectivityPace)
	go func() {
		for range s.connectivity.C {
			if onTick != nil {
				onTick()
			}
		}
	}()
}

// CancelTimers stops every per-session timer. MUST be called on every
// transition into a terminal state and before dropping a session.
func (s *Session) CancelTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadline != nil {
		s.deadline.Stop()
	}
	if s.connectivity != nil {
		s.connectivity.Stop()
	}
	for _, st := range s.Streams {
		if st.nominateTimer != nil {
			st.nominateTimer.Stop()
		}
	}
}
