package controlplane

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	"github.com/mediabridge/iceproxy/internal/candidate"
	"github.com/mediabridge/iceproxy/internal/forward"
	"github.com/mediabridge/iceproxy/internal/ovrerr"
	"github.com/mediabridge/iceproxy/internal/session"
)

// fakeRegistry is a minimal, in-memory stand-in for internal/proxy used
// to exercise Dispatch without wiring a real socket or SDP codec.
type fakeRegistry struct {
	sessions map[string]*session.Session

	offerErr   error
	answerErr  error
	candErr    error
	gatherErr  error
	talkErr    error
	createErr  error
	dropErr    error
	talkTarget forward.Target
	talkOn     bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sessions: map[string]*session.Session{}}
}

func (f *fakeRegistry) CreateSession() (*session.Session, *forward.Target, error) {
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	s, err := session.New(testLogger(), nil)
	if err != nil {
		return nil, nil, err
	}
	f.sessions[s.ID.String()] = s
	return s, &forward.Target{SSRC: 1, Host: "127.0.0.1", Port: 6000}, nil
}

func (f *fakeRegistry) Lookup(id string) (*session.Session, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeRegistry) Drop(id string) error {
	if f.dropErr != nil {
		return f.dropErr
	}
	if _, ok := f.sessions[id]; !ok {
		return fmt.Errorf("unknown session %q", id)
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeRegistry) OfferSDP(s *session.Session) ([]byte, error) {
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	return []byte("v=0\r\n"), nil
}

func (f *fakeRegistry) ApplyAnswer(s *session.Session, sdp []byte) error {
	return f.answerErr
}

func (f *fakeRegistry) AddCandidate(s *session.Session, sdpMid string, mlineIndex int, ufrag string, c *candidate.Candidate) error {
	return f.candErr
}

func (f *fakeRegistry) MarkGathered(s *session.Session, sdpMid string) error {
	return f.gatherErr
}

func (f *fakeRegistry) Talk(s *session.Session, loopName string, target forward.Target, on bool) error {
	f.talkTarget = target
	f.talkOn = on
	return f.talkErr
}

func testLogger() logging.LeveledLogger {
	return logging.NewDefaultLoggerFactory().NewLogger("controlplane_test")
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDispatchCreateReturnsSDPAndSocket(t *testing.T) {
	reg := newFakeRegistry()
	resp := Dispatch(reg, Event{Event: "ice_session_create", UUID: "u1"})
	require.Nil(t, resp.Error)
	require.Equal(t, "ice_session_create", resp.Event)

	var payload sessionCreateResponse
	require.NoError(t, json.Unmarshal(resp.Response, &payload))
	require.Equal(t, "v=0\r\n", payload.SDP)
	require.Equal(t, "127.0.0.1", payload.Socket.Host)
	require.Equal(t, 6000, payload.Socket.Port)
	require.NotEmpty(t, payload.Session)
}

func TestDispatchCreateSurfacesRegistryError(t *testing.T) {
	reg := newFakeRegistry()
	reg.createErr = &ovrerr.ResourceExhausted{Err: fmt.Errorf("no free sessions")}
	resp := Dispatch(reg, Event{Event: "ice_session_create", UUID: "u1"})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeSessionCreate, resp.Error.Code)
}

func TestDispatchDropUnknownSessionIsProcessingError(t *testing.T) {
	reg := newFakeRegistry()
	evt := Event{Event: "ice_session_drop", UUID: "u2", Parameter: mustRaw(t, sessionParam{Session: "missing"})}
	resp := Dispatch(reg, evt)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeProcessingError, resp.Error.Code)
}

func TestDispatchDropSucceeds(t *testing.T) {
	reg := newFakeRegistry()
	createResp := Dispatch(reg, Event{Event: "ice_session_create"})
	var created sessionCreateResponse
	require.NoError(t, json.Unmarshal(createResp.Response, &created))

	evt := Event{Event: "ice_session_drop", Parameter: mustRaw(t, sessionParam{Session: created.Session})}
	resp := Dispatch(reg, evt)
	require.Nil(t, resp.Error)
	_, ok := reg.Lookup(created.Session)
	require.False(t, ok)

	var dropped sessionDropResponse
	require.NoError(t, json.Unmarshal(resp.Response, &dropped))
	require.Equal(t, created.Session, dropped.Session)
	require.NotEmpty(t, dropped.State)
}

func TestDispatchUpdateRejectsNonAnswerType(t *testing.T) {
	reg := newFakeRegistry()
	createResp := Dispatch(reg, Event{Event: "ice_session_create"})
	var created sessionCreateResponse
	require.NoError(t, json.Unmarshal(createResp.Response, &created))

	evt := Event{Event: "ice_session_update", Parameter: mustRaw(t, updateParam{Session: created.Session, Type: "offer", SDP: "v=0\r\n"})}
	resp := Dispatch(reg, evt)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeNotImplemented, resp.Error.Code,
		"an unimplemented update type must be distinguishable from malformed input")
}

func TestDispatchUpdateAppliesAnswer(t *testing.T) {
	reg := newFakeRegistry()
	createResp := Dispatch(reg, Event{Event: "ice_session_create"})
	var created sessionCreateResponse
	require.NoError(t, json.Unmarshal(createResp.Response, &created))

	evt := Event{Event: "ice_session_update", Parameter: mustRaw(t, updateParam{Session: created.Session, Type: "answer", SDP: "v=0\r\n"})}
	resp := Dispatch(reg, evt)
	require.Nil(t, resp.Error)
}

func TestDispatchCandidateParsesAndForwards(t *testing.T) {
	reg := newFakeRegistry()
	createResp := Dispatch(reg, Event{Event: "ice_session_create"})
	var created sessionCreateResponse
	require.NoError(t, json.Unmarshal(createResp.Response, &created))

	evt := Event{Event: "candidate", Parameter: mustRaw(t, candidateParam{
		Session:    created.Session,
		SDPMid:     "0",
		MlineIndex: 0,
		Ufrag:      "abcd",
		Candidate:  "1 1 udp 2130706431 192.0.2.1 5000 typ host",
	})}
	resp := Dispatch(reg, evt)
	require.Nil(t, resp.Error)
}

func TestDispatchCandidateRejectsMalformedLine(t *testing.T) {
	reg := newFakeRegistry()
	createResp := Dispatch(reg, Event{Event: "ice_session_create"})
	var created sessionCreateResponse
	require.NoError(t, json.Unmarshal(createResp.Response, &created))

	evt := Event{Event: "candidate", Parameter: mustRaw(t, candidateParam{Session: created.Session, Candidate: "garbage"})}
	resp := Dispatch(reg, evt)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInputError, resp.Error.Code)
}

func TestDispatchCandidateFailureIsCandidateProcessing(t *testing.T) {
	reg := newFakeRegistry()
	reg.candErr = &ovrerr.PeerAddressReassignment{Err: fmt.Errorf("address already bound")}
	createResp := Dispatch(reg, Event{Event: "ice_session_create"})
	var created sessionCreateResponse
	require.NoError(t, json.Unmarshal(createResp.Response, &created))

	evt := Event{Event: "candidate", Parameter: mustRaw(t, candidateParam{
		Session: created.Session, Candidate: "1 1 udp 2130706431 192.0.2.1 5000 typ host",
	})}
	resp := Dispatch(reg, evt)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeCandidateProcessing, resp.Error.Code)
}

func TestDispatchEndOfCandidates(t *testing.T) {
	reg := newFakeRegistry()
	createResp := Dispatch(reg, Event{Event: "ice_session_create"})
	var created sessionCreateResponse
	require.NoError(t, json.Unmarshal(createResp.Response, &created))

	evt := Event{Event: "end-of-candidates", Parameter: mustRaw(t, endOfCandidatesParam{Session: created.Session, SDPMid: "0"})}
	resp := Dispatch(reg, evt)
	require.Nil(t, resp.Error)
}

func TestDispatchTalkTogglesLoop(t *testing.T) {
	reg := newFakeRegistry()
	createResp := Dispatch(reg, Event{Event: "ice_session_create"})
	var created sessionCreateResponse
	require.NoError(t, json.Unmarshal(createResp.Response, &created))

	var p talkParam
	p.Session = created.Session
	p.On = true
	p.Loop.Name = "loop0"
	p.Loop.Socket.Host = "127.0.0.1"
	p.Loop.Socket.Port = 7000

	resp := Dispatch(reg, Event{Event: "talk", Parameter: mustRaw(t, p)})
	require.Nil(t, resp.Error)
	require.True(t, reg.talkOn)
	require.Equal(t, "127.0.0.1", reg.talkTarget.Host)
	require.Equal(t, 7000, reg.talkTarget.Port)
}

func TestDispatchUnknownEvent(t *testing.T) {
	reg := newFakeRegistry()
	resp := Dispatch(reg, Event{Event: "bogus"})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeGeneric, resp.Error.Code)
}

func TestDispatchMissingParameterIsGenericError(t *testing.T) {
	reg := newFakeRegistry()
	resp := Dispatch(reg, Event{Event: "ice_session_drop"})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeGeneric, resp.Error.Code)
}

func TestSessionCompletedBuildsOutboundEvent(t *testing.T) {
	resp := SessionCompleted("sess-1", "COMPLETED")
	require.Equal(t, "ice_session_completed", resp.Event)
	require.Nil(t, resp.Error)
}

func TestOutboundCandidateAndEndOfCandidates(t *testing.T) {
	c, err := candidate.Parse("1 1 udp 2130706431 192.0.2.1 5000 typ host")
	require.NoError(t, err)
	resp := OutboundCandidate("sess-1", "0", 0, c)
	require.Equal(t, "candidate", resp.Event)

	resp2 := OutboundEndOfCandidates("sess-1", "0")
	require.Equal(t, "end-of-candidates", resp2.Event)
}
