package session

import "github.com/mediabridge/iceproxy/internal/checklist"

// SelectedPair returns the stream's currently selected pair, if any.
func (s *Stream) SelectedPair() *checklist.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Selected
}

// SetDTLSCompleted marks the stream's DTLS substate COMPLETED once the
// handshake on one of its pairs finishes, then reduces the owning
// session so a settled terminal state is reported promptly.
func (s *Stream) SetDTLSCompleted() {
	s.mu.Lock()
	s.DtlsState = Completed
	sess := s.session
	s.mu.Unlock()
	sess.Reduce()
}

// SetDTLSFailed marks the stream's DTLS substate FAILED: either the
// handshake itself failed, or it completed on a pair other than the one
// STUN ultimately nominated.
func (s *Stream) SetDTLSFailed() {
	s.mu.Lock()
	s.DtlsState = Failed
	sess := s.session
	s.mu.Unlock()
	sess.Reduce()
}

// SetSRTPCompleted marks the stream's SRTP substate COMPLETED once the
// forwarding plane has been installed for its selected pair.
func (s *Stream) SetSRTPCompleted() {
	s.mu.Lock()
	s.SrtpState = Completed
	sess := s.session
	s.mu.Unlock()
	sess.Reduce()
}

// SetSRTPFailed marks the stream's SRTP substate FAILED, e.g. when key
// installation fails after a successful handshake.
func (s *Stream) SetSRTPFailed() {
	s.mu.Lock()
	s.SrtpState = Failed
	sess := s.session
	s.mu.Unlock()
	sess.Reduce()
}
