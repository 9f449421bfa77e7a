// Package candidate implements the ICE candidate model: parsing and
// serializing the "a=candidate:" line and the RFC 8445 §6.1.2.3 priority
// formula, restricted to the UDP/component-1 subset this gateway needs.
// It deliberately does not depend on pion/ice's own candidate types —
// this gateway only ever negotiates one component over one transport,
// and keeping a private type keeps that restriction enforced by the
// type system instead of by convention.
package candidate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mediabridge/iceproxy/internal/ovrerr"
)

// Type is the ICE candidate type.
type Type int

const (
	Host Type = iota
	ServerReflexive
	PeerReflexive
	Relayed
)

func (t Type) String() string {
	switch t {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case PeerReflexive:
		return "prflx"
	case Relayed:
		return "relay"
	default:
		return "unknown"
	}
}

func parseType(s string) (Type, bool) {
	switch s {
	case "host":
		return Host, true
	case "srflx":
		return ServerReflexive, true
	case "prflx":
		return PeerReflexive, true
	case "relay":
		return Relayed, true
	default:
		return 0, false
	}
}

// typePreference is the RFC 8445 §5.1.2.1 recommended value per type.
func (t Type) typePreference() uint32 {
	switch t {
	case Host:
		return 126
	case PeerReflexive:
		return 110
	case ServerReflexive:
		return 100
	case Relayed:
		return 0
	default:
		return 0
	}
}

const component = 1
const localPreference = 65535

// Candidate is a single ICE candidate as used by this gateway: UDP
// transport, component 1 always.
type Candidate struct {
	Foundation    string
	Component     int
	Transport     string // always "udp"; kept explicit for the wire form
	Priority      uint32
	Address       string
	Port          int
	Type          Type
	RelatedAddr   string
	RelatedPort   int
	Generation    int
	HasGeneration bool
}

// Priority computes the RFC 8445 §6.1.2.3 candidate priority:
// (1<<24)*type_preference + (1<<8)*local_preference + (256-component).
func Priority(t Type) uint32 {
	return (1<<24)*t.typePreference() + (1<<8)*localPreference + (256 - component)
}

// New builds a candidate of type t for the given address/port with the
// caller's foundation and the formula priority for its type.
func New(foundation string, t Type, address string, port int) *Candidate {
	return &Candidate{
		Foundation: foundation,
		Component:  component,
		Transport:  "udp",
		Priority:   Priority(t),
		Address:    address,
		Port:       port,
		Type:       t,
	}
}

// String renders the candidate as the value half of an "a=candidate:"
// line (without the "a=candidate:" prefix itself, matching how the SDP
// layer treats attribute values).
func (c *Candidate) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s %d %s %d typ %s", c.Foundation, c.Component, c.Transport, c.Priority, c.Address, c.Port, c.Type)
	if c.RelatedAddr != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddr, c.RelatedPort)
	}
	if c.HasGeneration {
		fmt.Fprintf(&b, " generation %d", c.Generation)
	}
	return b.String()
}

// Parse decodes the value half of an "a=candidate:" line. Parsing is
// tolerant of unknown trailing extension tokens but rejects a bad
// priority, unrecognised transport, or missing "typ".
func Parse(value string) (*Candidate, error) {
	fields := strings.Fields(value)
	if len(fields) < 8 {
		return nil, &ovrerr.CandidateMalformed{Err: fmt.Errorf("candidate line has %d fields, want >= 8", len(fields))}
	}

	c := &Candidate{Foundation: fields[0]}

	comp, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, &ovrerr.CandidateMalformed{Err: fmt.Errorf("bad component %q: %w", fields[1], err)}
	}
	c.Component = comp

	if !strings.EqualFold(fields[2], "udp") {
		return nil, &ovrerr.CandidateMalformed{Err: fmt.Errorf("unsupported transport %q", fields[2])}
	}
	c.Transport = "udp"

	prio, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, &ovrerr.CandidateMalformed{Err: fmt.Errorf("bad priority %q: %w", fields[3], err)}
	}
	c.Priority = uint32(prio)

	c.Address = fields[4]

	port, err := strconv.Atoi(fields[5])
	if err != nil || port < 0 || port > 65535 {
		return nil, &ovrerr.CandidateMalformed{Err: fmt.Errorf("bad port %q", fields[5])}
	}
	c.Port = port

	if fields[6] != "typ" {
		return nil, &ovrerr.CandidateMalformed{Err: fmt.Errorf("missing typ token")}
	}
	t, ok := parseType(fields[7])
	if !ok {
		return nil, &ovrerr.CandidateMalformed{Err: fmt.Errorf("unknown candidate type %q", fields[7])}
	}
	c.Type = t

	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.RelatedAddr = fields[i+1]
		case "rport":
			p, err := strconv.Atoi(fields[i+1])
			if err == nil {
				c.RelatedPort = p
			}
		case "generation":
			g, err := strconv.Atoi(fields[i+1])
			if err == nil {
				c.Generation = g
				c.HasGeneration = true
			}
		}
	}

	return c, nil
}
