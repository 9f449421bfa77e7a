// Package controlplane implements the JSON RPC surface over the
// session engine. Dispatch is a pure function: the event-bus transport
// itself is out of scope, so the host process reads an Event off
// whatever bus it uses, calls Dispatch, and writes the Response back.
package controlplane

import (
	"encoding/json"
	"fmt"

	"github.com/mediabridge/iceproxy/internal/candidate"
	"github.com/mediabridge/iceproxy/internal/forward"
	"github.com/mediabridge/iceproxy/internal/session"
)

// APIVersion is the event-bus protocol version this adapter speaks.
const APIVersion = 1

// Error codes carried in Response.Error.Code: the seven event error
// categories of ov_ice_proxy_vocs_app.c (OV_ERROR_CODE,
// OV_ERROR_CODE_SESSION_CREATE, _INPUT_ERROR, _COMMS_ERROR,
// _CANDIDATE_PROCESSING, _NOT_IMPLEMENTED, _PROCESSING_ERROR), carried
// forward by name. The numeric values are this gateway's own stable
// short integers — the original's numeric definitions live in a header
// outside the excerpted tree.
const (
	CodeGeneric             = 1
	CodeSessionCreate       = 2
	CodeInputError          = 3
	CodeCommsError          = 4
	CodeCandidateProcessing = 5
	CodeNotImplemented      = 6
	CodeProcessingError     = 7
)

// Event is one inbound message.
type Event struct {
	Event     string          `json:"event"`
	UUID      string          `json:"uuid"`
	Parameter json.RawMessage `json:"parameter,omitempty"`
}

// Response is what Dispatch returns for synchronous request/response
// events, or what the proxy pushes unsolicited for outbound events.
type Response struct {
	Event    string          `json:"event"`
	UUID     string          `json:"uuid,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is the wire error shape.
type ErrorDetail struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

func errorResponse(evt Event, code int, err error) Response {
	return Response{Event: evt.Event, UUID: evt.UUID, Error: &ErrorDetail{Code: code, Description: err.Error()}}
}

func okResponse(evt Event, payload any) Response {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errorResponse(evt, CodeProcessingError, err)
	}
	return Response{Event: evt.Event, UUID: evt.UUID, Response: raw}
}

// Registry is the session-lifecycle surface Dispatch needs from the
// proxy (internal/proxy implements this; tests can fake it).
type Registry interface {
	CreateSession() (*session.Session, *forward.Target, error)
	Lookup(sessionID string) (*session.Session, bool)
	Drop(sessionID string) error
	OfferSDP(s *session.Session) ([]byte, error)
	ApplyAnswer(s *session.Session, sdp []byte) error
	AddCandidate(s *session.Session, sdpMid string, mlineIndex int, ufrag string, c *candidate.Candidate) error
	MarkGathered(s *session.Session, sdpMid string) error
	Talk(s *session.Session, loopName string, target forward.Target, on bool) error
}

// sessionCreateResponse is the ice_session_create success payload.
type sessionCreateResponse struct {
	Session string `json:"session"`
	SDP     string `json:"sdp"`
	Socket  struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"socket"`
}

type sessionParam struct {
	Session string `json:"session"`
}

// sessionDropResponse carries the session's last-known reduced state
// back to the caller: the session is already gone from the registry by
// the time this is built, so the state must be captured before Drop
// runs.
type sessionDropResponse struct {
	Session string `json:"session"`
	State   string `json:"state,omitempty"`
}

type updateParam struct {
	Session string `json:"session"`
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
}

type candidateParam struct {
	Session    string `json:"session"`
	SDPMid     string `json:"SDPMid"`
	MlineIndex int    `json:"SDPMlineIndex"`
	Ufrag      string `json:"ufrag"`
	Candidate  string `json:"candidate"`
}

type endOfCandidatesParam struct {
	Session string `json:"session"`
	SDPMid  string `json:"SDPMid"`
}

type talkParam struct {
	Session string `json:"session"`
	On      bool   `json:"on"`
	Loop    struct {
		Name   string `json:"name"`
		Socket struct {
			Host string `json:"host"`
			Port int    `json:"port"`
		} `json:"socket"`
	} `json:"loop"`
}

// Dispatch handles one inbound event against reg, returning the
// response to send back.
func Dispatch(reg Registry, evt Event) Response {
	switch evt.Event {
	case "ice_session_create":
		return dispatchCreate(reg, evt)
	case "ice_session_drop":
		return dispatchDrop(reg, evt)
	case "ice_session_update":
		return dispatchUpdate(reg, evt)
	case "candidate":
		return dispatchCandidate(reg, evt)
	case "end-of-candidates":
		return dispatchEndOfCandidates(reg, evt)
	case "talk":
		return dispatchTalk(reg, evt)
	default:
		return errorResponse(evt, CodeGeneric, fmt.Errorf("unrecognised event %q", evt.Event))
	}
}

func dispatchCreate(reg Registry, evt Event) Response {
	s, target, err := reg.CreateSession()
	if err != nil {
		return errorResponse(evt, CodeSessionCreate, err)
	}
	sdp, err := reg.OfferSDP(s)
	if err != nil {
		// The original flips from the session-create code to the comms
		// code once the session exists and only the offer delivery fails.
		return errorResponse(evt, CodeCommsError, err)
	}
	resp := sessionCreateResponse{Session: s.ID.String(), SDP: string(sdp)}
	if target != nil {
		resp.Socket.Host = target.Host
		resp.Socket.Port = target.Port
	}
	return okResponse(evt, resp)
}

func dispatchDrop(reg Registry, evt Event) Response {
	var p sessionParam
	if bad := unmarshalParam(evt, &p); bad != nil {
		return *bad
	}
	resp := sessionDropResponse{Session: p.Session}
	if s, ok := reg.Lookup(p.Session); ok {
		resp.State = s.State.String()
	}
	if err := reg.Drop(p.Session); err != nil {
		return errorResponse(evt, CodeProcessingError, err)
	}
	return okResponse(evt, resp)
}

func dispatchUpdate(reg Registry, evt Event) Response {
	var p updateParam
	if bad := unmarshalParam(evt, &p); bad != nil {
		return *bad
	}
	if p.Type != "answer" {
		return errorResponse(evt, CodeNotImplemented, fmt.Errorf("only type=answer is implemented, got %q", p.Type))
	}
	s, ok := reg.Lookup(p.Session)
	if !ok {
		return errorResponse(evt, CodeInputError, fmt.Errorf("unknown session %q", p.Session))
	}
	if err := reg.ApplyAnswer(s, []byte(p.SDP)); err != nil {
		return errorResponse(evt, CodeProcessingError, err)
	}
	return okResponse(evt, sessionParam{Session: p.Session})
}

func dispatchCandidate(reg Registry, evt Event) Response {
	var p candidateParam
	if bad := unmarshalParam(evt, &p); bad != nil {
		return *bad
	}
	s, ok := reg.Lookup(p.Session)
	if !ok {
		return errorResponse(evt, CodeInputError, fmt.Errorf("unknown session %q", p.Session))
	}
	c, err := candidate.Parse(p.Candidate)
	if err != nil {
		return errorResponse(evt, CodeInputError, err)
	}
	if err := reg.AddCandidate(s, p.SDPMid, p.MlineIndex, p.Ufrag, c); err != nil {
		return errorResponse(evt, CodeCandidateProcessing, err)
	}
	return okResponse(evt, sessionParam{Session: p.Session})
}

func dispatchEndOfCandidates(reg Registry, evt Event) Response {
	var p endOfCandidatesParam
	if bad := unmarshalParam(evt, &p); bad != nil {
		return *bad
	}
	s, ok := reg.Lookup(p.Session)
	if !ok {
		return errorResponse(evt, CodeInputError, fmt.Errorf("unknown session %q", p.Session))
	}
	if err := reg.MarkGathered(s, p.SDPMid); err != nil {
		return errorResponse(evt, CodeCandidateProcessing, err)
	}
	return okResponse(evt, sessionParam{Session: p.Session})
}

func dispatchTalk(reg Registry, evt Event) Response {
	var p talkParam
	if bad := unmarshalParam(evt, &p); bad != nil {
		return *bad
	}
	s, ok := reg.Lookup(p.Session)
	if !ok {
		return errorResponse(evt, CodeInputError, fmt.Errorf("unknown session %q", p.Session))
	}
	target := forward.Target{Host: p.Loop.Socket.Host, Port: p.Loop.Socket.Port}
	if err := reg.Talk(s, p.Loop.Name, target, p.On); err != nil {
		return errorResponse(evt, CodeProcessingError, err)
	}
	return okResponse(evt, sessionParam{Session: p.Session})
}

// unmarshalParam decodes the event's parameter object into v, returning
// the error response to send on failure: an event with no parameter at
// all fails with the generic code (the original's handlers bail before
// assigning a specific one), while a present-but-malformed parameter is
// an input error.
func unmarshalParam(evt Event, v any) *Response {
	if len(evt.Parameter) == 0 {
		r := errorResponse(evt, CodeGeneric, fmt.Errorf("missing parameter"))
		return &r
	}
	if err := json.Unmarshal(evt.Parameter, v); err != nil {
		r := errorResponse(evt, CodeInputError, err)
		return &r
	}
	return nil
}

// SessionCompleted builds the outbound ice_session_completed event.
func SessionCompleted(sessionID string, state string) Response {
	raw, _ := json.Marshal(struct {
		Session string `json:"session"`
		State   string `json:"state"`
	}{Session: sessionID, State: state})
	return Response{Event: "ice_session_completed", Response: raw}
}

// OutboundCandidate builds the outbound trickle candidate event emitted
// when local gathering discovers a new candidate (dynamic variant).
func OutboundCandidate(sessionID, sdpMid string, mlineIndex int, c *candidate.Candidate) Response {
	raw, _ := json.Marshal(struct {
		Session    string `json:"session"`
		SDPMid     string `json:"SDPMid"`
		MlineIndex int    `json:"SDPMlineIndex"`
		Candidate  string `json:"candidate"`
	}{Session: sessionID, SDPMid: sdpMid, MlineIndex: mlineIndex, Candidate: c.String()})
	return Response{Event: "candidate", Response: raw}
}

// OutboundEndOfCandidates builds the outbound end-of-candidates event.
func OutboundEndOfCandidates(sessionID, sdpMid string) Response {
	raw, _ := json.Marshal(struct {
		Session string `json:"session"`
		SDPMid  string `json:"SDPMid"`
	}{Session: sessionID, SDPMid: sdpMid})
	return Response{Event: "end-of-candidates", Response: raw}
}
