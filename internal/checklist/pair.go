// Package checklist implements the candidate-pair state machine and the
// pure, stream-independent parts of the checklist engine: the Pair
// type, its state machine, the RFC 8445 §6.1.2.3 pair-priority
// formula, sorting and redundancy pruning, plus the trigger FIFO and valid
// list containers (trigger.go). The stream-level orchestration
// (nomination policy, STUN request/response handling) lives in package
// session, which composes these primitives —
// keeping them here means the priority formula and state transitions are
// independently testable without a Stream or Session in scope.
package checklist

import (
	"net"

	"github.com/mediabridge/iceproxy/internal/candidate"
)

// State is the candidate-pair state machine (RFC 8445 §6.1.2.6):
// FROZEN → WAITING → IN_PROGRESS → {SUCCESS | FAILED}.
type State int

const (
	Frozen State = iota
	Waiting
	InProgress
	Success
	Failed
)

func (s State) String() string {
	switch s {
	case Frozen:
		return "FROZEN"
	case Waiting:
		return "WAITING"
	case InProgress:
		return "IN_PROGRESS"
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MaxProgressCount is the number of outstanding-retransmit ticks an
// IN_PROGRESS pair tolerates before it is marked FAILED.
const MaxProgressCount = 100

// Pair is one (local host candidate, remote candidate) tuple. In
// multiplexing mode the local side is always the proxy's single host
// candidate, so Pair only models the remote half explicitly.
type Pair struct {
	// generation is bumped whenever the pair is pruned/destroyed; callers
	// holding a non-owning reference (a Transaction, a trigger-queue
	// entry) must compare against the generation they captured to detect
	// a pair that no longer exists.
	generation int
	live       bool

	State     State
	LocalType candidate.Type

	RemoteAddr     *net.UDPAddr
	RemoteType     candidate.Type
	RemotePriority uint32
	Foundation     string

	Priority uint64

	Nominated bool

	SuccessCount  int
	ProgressCount int

	// TransactionID is the outstanding STUN transaction id, if any.
	HasTransaction bool
	TransactionID  [12]byte

	// DTLS/SRTP per-pair state is attached by the owning engines
	// (internal/proxy stores the completed *dtlsengine.Result in DTLS);
	// this package only reserves the slots and never reads them.
	DTLS interface{}
	SRTP interface{}
}

// NewPair creates a pair in FROZEN state for a just-learned remote
// candidate.
func NewPair(remote *net.UDPAddr, remoteType candidate.Type, remotePriority uint32, foundation string) *Pair {
	return &Pair{
		live:           true,
		State:          Frozen,
		RemoteAddr:     remote,
		RemoteType:     remoteType,
		RemotePriority: remotePriority,
		Foundation:     foundation,
	}
}

// Generation returns the liveness generation of this pair.
func (p *Pair) Generation() int { return p.generation }

// Live reports whether the pair has not been pruned/destroyed.
func (p *Pair) Live() bool { return p.live }

// Kill marks the pair dead and bumps its generation, invalidating any
// outstanding non-owning reference to it.
func (p *Pair) Kill() {
	p.live = false
	p.generation++
}

// Priority64 computes the RFC 8445 §6.1.2.3 candidate-pair priority:
//
//	2^32 * MIN(G,D) + 2*MAX(G,D) + (G>D ? 1 : 0)
//
// where G is the controlling agent's candidate priority and D is the
// controlled agent's, for this pair's (local, remote) candidate pair.
func Priority64(localPriority, remotePriority uint32, localIsControlling bool) uint64 {
	var g, d uint64
	if localIsControlling {
		g, d = uint64(localPriority), uint64(remotePriority)
	} else {
		g, d = uint64(remotePriority), uint64(localPriority)
	}
	min, max := g, d
	if min > max {
		min, max = max, min
	}
	result := (min << 32) + 2*max
	if g > d {
		result++
	}
	return result
}

// Recompute refreshes p.Priority from the local candidate priority (this
// system always uses one host candidate) and the pair's remote priority,
// given the current session role. Called whenever role flips.
func (p *Pair) Recompute(localPriority uint32, controlling bool) {
	p.Priority = Priority64(localPriority, p.RemotePriority, controlling)
}

// IsRedundant reports whether other has the same remote address/port as
// p (and thus, in multiplexing mode where the local candidate is always
// unique, is a duplicate pair).
func (p *Pair) IsRedundant(other *Pair) bool {
	if p == other || p.RemoteAddr == nil || other.RemoteAddr == nil {
		return false
	}
	return p.RemoteAddr.IP.Equal(other.RemoteAddr.IP) && p.RemoteAddr.Port == other.RemoteAddr.Port
}
