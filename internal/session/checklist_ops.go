package session

import (
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/mediabridge/iceproxy/internal/candidate"
	"github.com/mediabridge/iceproxy/internal/checklist"
	"github.com/mediabridge/iceproxy/internal/stunmsg"
)

// AddRemoteCandidate registers a trickled (or answer-carried) remote
// candidate as a new FROZEN pair, re-sorting and pruning the stream's
// pair list.
func (s *Stream) AddRemoteCandidate(c *candidate.Candidate) (*checklist.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := &net.UDPAddr{IP: net.ParseIP(c.Address), Port: c.Port}
	if existing := s.Checklist.ByRemote(addr.IP.String(), addr.Port); existing != nil {
		return existing, nil
	}
	p := checklist.NewPair(addr, c.Type, c.Priority, c.Foundation)
	p.Recompute(candidate.Priority(candidate.Host), s.session.Controlling)
	s.Checklist.Add(p)
	s.Checklist.Prune(s.Selected)
	return p, nil
}

// AdmitPeerReflexive returns the pair for src, creating one in SUCCESS
// with type PEER_REFLEXIVE if the stream has never seen this source
// address. Used when a DTLS- or SRTP-class datagram arrives from an
// address the checklist has not paired yet (RFC 7983 demux hands it
// here before any STUN check has run against it).
func (s *Stream) AdmitPeerReflexive(src *net.UDPAddr) *checklist.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.Checklist.ByRemote(src.IP.String(), src.Port); existing != nil {
		return existing
	}
	p := checklist.NewPair(src, candidate.PeerReflexive, candidate.Priority(candidate.PeerReflexive), "prflx")
	p.State = checklist.Success
	p.Recompute(candidate.Priority(candidate.Host), s.session.Controlling)
	s.Checklist.Add(p)
	s.Checklist.Prune(s.Selected)
	return p
}

// Unfreeze, when called on a stream with no work, promotes every FROZEN
// pair of its checklist to WAITING (RFC 8445 §6.1.4.2).
func (s *Stream) Unfreeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checklist.Unfreeze()
}

// HasWork reports whether this stream has a triggered check queued or a
// WAITING pair.
func (s *Stream) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StunState != Running && s.StunState != Init {
		return false
	}
	return s.Trigger.Len() > 0 || s.Checklist.FirstWaiting() != nil
}

// OutgoingCheck is a STUN Binding Request ready to be sent, paired with
// the pair it targets so the caller (proxy) can track the transaction.
type OutgoingCheck struct {
	Pair    *checklist.Pair
	Message *stun.Message
}

// NextCheck pops the next pair to check (trigger FIFO first, else the
// highest-priority WAITING pair) and builds its Binding Request.
func (s *Stream) NextCheck() (*OutgoingCheck, error) {
	s.mu.Lock()
	// An IN_PROGRESS pair whose progress_count exceeds MaxProgressCount is
	// marked FAILED before this tick looks for work, so the tick can retry
	// against whatever the checklist frees up.
	s.Checklist.ExpireInProgress()

	p := s.Trigger.Pop()
	if p == nil {
		p = s.Checklist.FirstWaiting()
	}
	if p == nil {
		// No triggered or WAITING pair anywhere in this stream: unfreeze
		// the checklist (promote every FROZEN pair to WAITING) and pick the
		// highest-priority one up in this same call.
		s.Checklist.Unfreeze()
		p = s.Checklist.FirstWaiting()
	}
	if p == nil {
		s.mu.Unlock()
		return nil, nil
	}
	p.State = checklist.InProgress
	p.ProgressCount++

	txID := stun.NewTransactionID()
	p.HasTransaction = true
	copy(p.TransactionID[:], txID[:])

	useCandidate := s.session.Controlling && p.Nominated
	params := stunmsg.BindingRequestParams{
		TransactionID: p.TransactionID,
		UsernameValue: s.RemoteUfrag + ":" + s.LocalUfrag,
		Priority:      candidate.Priority(candidate.Host),
		Controlling:   s.session.Controlling,
		Tiebreaker:    s.session.Tiebreaker,
		UseCandidate:  useCandidate,
		IntegrityKey:  s.RemotePwd,
	}
	s.mu.Unlock()

	m, err := stunmsg.BuildBindingRequest(params)
	if err != nil {
		return nil, err
	}
	return &OutgoingCheck{Pair: p, Message: m}, nil
}

// HandleBindingRequest processes an inbound STUN Binding Request,
// performing role arbitration, peer-reflexive pair discovery, and
// enqueuing a triggered check on the matched pair (RFC 8445 §7.3). It
// returns the response to send (success or role-conflict error).
func (s *Stream) HandleBindingRequest(src *net.UDPAddr, m *stun.Message) (*stun.Message, error) {
	s.mu.Lock()
	localPwd := s.LocalPwd
	s.mu.Unlock()

	if err := stunmsg.CheckIntegrity(m, localPwd); err != nil {
		return nil, err
	}

	peerTB, peerControlling, hasRole := stunmsg.Role(m)
	if hasRole && peerControlling == s.session.Controlling {
		if peerTB > s.session.Tiebreaker {
			if err := s.session.ChangeRole(peerTB, func(st *Stream) uint32 { return candidate.Priority(candidate.Host) }); err != nil {
				return nil, err
			}
		} else {
			return stunmsg.BuildErrorResponse(m.TransactionID, stunmsg.CodeRoleConflict, "Role Conflict", localPwd)
		}
	}

	s.mu.Lock()
	pair := s.Checklist.ByRemote(src.IP.String(), src.Port)
	if pair == nil {
		prio, _ := stunmsg.Priority(m)
		pair = checklist.NewPair(src, candidate.PeerReflexive, prio, "prflx")
		pair.State = checklist.Success
		pair.Recompute(candidate.Priority(candidate.Host), s.session.Controlling)
		s.Checklist.Add(pair)
		s.Checklist.Prune(s.Selected)
	}

	settled := false
	if stunmsg.UseCandidate(m) && !s.session.Controlling {
		pair.Nominated = true
		s.Selected = pair
		s.StunState = Completed
		settled = true
	}
	s.Trigger.Push(pair)
	sess := s.session
	s.mu.Unlock()

	if settled {
		sess.Reduce()
	}

	return stunmsg.BuildBindingSuccess(m.TransactionID, src.IP, src.Port, localPwd)
}

// HandleBindingResponse matches a Binding Success Response against its
// transaction, applies the symmetry check, marks the pair SUCCESS and
// runs the controlling-side nomination policy (RFC 8445 §7.2.5).
func (s *Stream) HandleBindingResponse(pair *checklist.Pair, src *net.UDPAddr) {
	s.mu.Lock()

	if pair == nil || !pair.Live() {
		s.mu.Unlock()
		return
	}
	if pair.RemoteAddr == nil || !pair.RemoteAddr.IP.Equal(src.IP) || pair.RemoteAddr.Port != src.Port {
		// symmetry check failed: the response came from somewhere other
		// than where the request was sent.
		s.mu.Unlock()
		return
	}

	pair.State = checklist.Success
	pair.SuccessCount++
	pair.HasTransaction = false
	s.Valid.Add(pair)

	settled := false
	if s.session.Controlling {
		s.runNominationPolicy()
		if pair.Nominated && s.Selected != pair {
			s.Selected = pair
			s.StunState = Completed
			settled = true
		}
	}
	sess := s.session
	s.mu.Unlock()

	if settled {
		sess.Reduce()
	}
}

// runNominationPolicy implements the controlling-side nomination rule:
// every 3 successful checks on a non-nominated valid pair make it a
// selection candidate; the highest-priority such pair is nominated.
// Caller holds s.mu.
func (s *Stream) runNominationPolicy() {
	if s.Selected != nil {
		return
	}
	var best *checklist.Pair
	for _, p := range s.Valid.NonNominated() {
		if p.SuccessCount < 3 {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	if best != nil {
		best.Nominated = true
		s.nominatedPair = best
	}
}

// StartNominateRetransmit arms the retransmit timer that resends a
// USE-CANDIDATE binding on the nominated pair every pace, until success
// or session end. send is called (outside any lock) to actually
// transmit the built request.
func (s *Stream) StartNominateRetransmit(pace time.Duration, send func(*checklist.Pair, *stun.Message)) {
	s.mu.Lock()
	if s.nominateTimer != nil {
		s.nominateTimer.Stop()
	}
	s.mu.Unlock()

	var tick func()
	tick = func() {
		s.mu.Lock()
		p := s.nominatedPair
		// Stop rearming once this specific pair's nomination has actually
		// been confirmed by the peer (Selected settled on it and StunState
		// reflects that); that is the only terminal condition. Until then
		// the timer keeps rearming itself even while no pair has been
		// nominated yet, p == nil, the common case on the first few ticks
		// since nomination needs 3 successful checks first. Returning
		// without rescheduling in that case would kill the retransmit
		// loop before it ever gets a chance to send anything.
		if p != nil && s.Selected == p && s.StunState == Completed {
			s.mu.Unlock()
			return
		}
		if p == nil {
			s.nominateTimer = time.AfterFunc(pace, tick)
			s.mu.Unlock()
			return
		}
		txID := stun.NewTransactionID()
		copy(p.TransactionID[:], txID[:])
		params := stunmsg.BindingRequestParams{
			TransactionID: p.TransactionID,
			UsernameValue: s.RemoteUfrag + ":" + s.LocalUfrag,
			Priority:      candidate.Priority(candidate.Host),
			Controlling:   true,
			Tiebreaker:    s.session.Tiebreaker,
			UseCandidate:  true,
			IntegrityKey:  s.RemotePwd,
		}
		s.nominateTimer = time.AfterFunc(pace, tick)
		s.mu.Unlock()

		m, err := stunmsg.BuildBindingRequest(params)
		if err == nil && send != nil {
			send(p, m)
		}
	}
	s.mu.Lock()
	s.nominateTimer = time.AfterFunc(pace, tick)
	s.mu.Unlock()
}
