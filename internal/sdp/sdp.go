package sdp

import (
	"fmt"
	"strconv"

	psdp "github.com/pion/sdp/v3"

	"github.com/mediabridge/iceproxy/internal/ovrerr"
)

// Origin mirrors the RFC 4566 "o=" line.
type Origin struct {
	Username       string
	SessionID      uint64
	SessionVersion uint64
	NetType        string
	AddrType       string
	Address        string
}

// ConnectionInfo mirrors a "c=" line.
type ConnectionInfo struct {
	NetType  string
	AddrType string
	Address  string
}

// RepeatTime mirrors an "r=" line nested under a time block.
type RepeatTime struct {
	Interval int64
	Duration int64
	Offsets  []int64
}

// TimeBlock is one "t=" line plus its "r=" repeats and "z=" zone adjustments.
type TimeBlock struct {
	Start   uint64
	Stop    uint64
	Repeat  []RepeatTime
	ZoneAdj []ZoneAdjustment
}

// ZoneAdjustment mirrors one (time, offset) pair of a "z=" line.
type ZoneAdjustment struct {
	AdjustmentTime uint64
	Offset         int64
}

// Attr is one (name, optional value) session- or media-level attribute.
type Attr struct {
	Key   string
	Value string // empty for a flag attribute such as "a=recvonly"
}

// MediaDesc is one "m=" line and everything nested under it. This engine
// only ever builds/accepts a single MediaDesc per Session (rtcp-mux,
// single component).
type MediaDesc struct {
	Media      string // "audio"
	Port       int
	SecondPort *int // RFC 4566 "m=<media> <port>/<n>" form, rarely used
	Proto      string
	Formats    []string
	Info       string
	Key        string
	Connection []ConnectionInfo
	Bandwidth  map[string]uint64
	Attributes []Attr
}

// Session is the typed RFC 4566 tree this engine parses into and
// serializes from. Every field is an owned value (string copies): no
// pointer aliases into a shared mutable buffer survive parsing.
type Session struct {
	Version    int
	Origin     Origin
	Name       string
	Info       string
	URI        string
	Emails     []string
	Phones     []string
	Connection *ConnectionInfo
	Bandwidth  map[string]uint64
	Times      []TimeBlock
	Attributes []Attr
	Media      []*MediaDesc
}

// Parse validates and decodes an SDP session from raw bytes. Parsing is
// total: on any structural or lexical failure no partial tree is
// returned.
func Parse(raw []byte) (*Session, error) {
	var p psdp.SessionDescription
	if err := p.Unmarshal(raw); err != nil {
		return nil, &ovrerr.SdpMalformed{Err: err}
	}

	s := &Session{
		Version: int(p.Version),
		Origin: Origin{
			Username:       p.Origin.Username,
			SessionID:      p.Origin.SessionID,
			SessionVersion: p.Origin.SessionVersion,
			NetType:        p.Origin.NetworkType,
			AddrType:       p.Origin.AddressType,
			Address:        p.Origin.UnicastAddress,
		},
		Name:      string(p.SessionName),
		Bandwidth: map[string]uint64{},
	}
	if p.SessionInformation != nil {
		s.Info = string(*p.SessionInformation)
	}
	if p.URI != nil {
		s.URI = p.URI.String()
	}
	if p.EmailAddress != nil {
		s.Emails = append(s.Emails, string(*p.EmailAddress))
	}
	if p.PhoneNumber != nil {
		s.Phones = append(s.Phones, string(*p.PhoneNumber))
	}
	if p.ConnectionInformation != nil {
		s.Connection = connFromPion(p.ConnectionInformation)
	}
	for _, bw := range p.Bandwidth {
		s.Bandwidth[bw.Type] = bw.Bandwidth
	}
	for _, td := range p.TimeDescriptions {
		if !IsValidTimeBlock(td.Timing.StartTime, td.Timing.StopTime) {
			return nil, &ovrerr.SdpMalformed{Err: fmt.Errorf("t=%d %d rejected", td.Timing.StartTime, td.Timing.StopTime)}
		}
		tb := TimeBlock{Start: td.Timing.StartTime, Stop: td.Timing.StopTime}
		for _, rt := range td.RepeatTimes {
			tb.Repeat = append(tb.Repeat, RepeatTime{Interval: rt.Interval, Duration: rt.Duration, Offsets: append([]int64(nil), rt.Offsets...)})
		}
		s.Times = append(s.Times, tb)
	}
	for _, tz := range p.TimeZones {
		if len(s.Times) == 0 {
			s.Times = append(s.Times, TimeBlock{})
		}
		last := &s.Times[len(s.Times)-1]
		last.ZoneAdj = append(last.ZoneAdj, ZoneAdjustment{AdjustmentTime: tz.AdjustmentTime, Offset: tz.Offset})
	}
	if len(s.Times) == 0 {
		return nil, &ovrerr.SdpMalformed{Err: fmt.Errorf("missing mandatory t= line")}
	}
	for _, a := range p.Attributes {
		s.Attributes = append(s.Attributes, Attr{Key: a.Key, Value: a.Value})
	}

	for _, m := range p.MediaDescriptions {
		if !ValidPort(m.MediaName.Port.Value) {
			return nil, &ovrerr.SdpMalformed{Err: fmt.Errorf("m= port %d out of range", m.MediaName.Port.Value)}
		}
		md := &MediaDesc{
			Media:      m.MediaName.Media,
			Port:       m.MediaName.Port.Value,
			SecondPort: m.MediaName.Port.Range,
			Proto:      joinProto(m.MediaName.Protos),
			Formats:    append([]string(nil), m.MediaName.Formats...),
			Bandwidth:  map[string]uint64{},
		}
		if m.MediaTitle != nil {
			md.Info = string(*m.MediaTitle)
		}
		if m.ConnectionInformation != nil {
			md.Connection = append(md.Connection, *connFromPion(m.ConnectionInformation))
		}
		for _, bw := range m.Bandwidth {
			md.Bandwidth[bw.Type] = bw.Bandwidth
		}
		for _, a := range m.Attributes {
			md.Attributes = append(md.Attributes, Attr{Key: a.Key, Value: a.Value})
		}
		s.Media = append(s.Media, md)
	}

	return s, nil
}

// IsValidTimeBlock implements RFC 4566 §5.9's boundary rule: a block with
// a zero start is accepted only as "t=0 0"; a zero start with a non-zero
// stop is rejected. Any block with a non-zero start is accepted.
func IsValidTimeBlock(start, stop uint64) bool {
	if start == 0 && stop != 0 {
		return false
	}
	return true
}

func connFromPion(c *psdp.ConnectionInformation) *ConnectionInfo {
	out := &ConnectionInfo{NetType: c.NetworkType, AddrType: c.AddressType}
	if c.Address != nil {
		out.Address = c.Address.Address
	}
	return out
}

func joinProto(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// Serialize validates every field against its grammar predicate and
// emits CRLF-terminated lines via the pion/sdp/v3 marshaller.
func (s *Session) Serialize() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	p := s.toPion()
	return p.Marshal()
}

func (s *Session) validate() error {
	if !IsUsername([]byte(s.Origin.Username)) {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("o= username %q invalid", s.Origin.Username)}
	}
	if !IsAddress([]byte(s.Origin.Address)) {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("o= address %q invalid", s.Origin.Address)}
	}
	if s.Info != "" && !IsText([]byte(s.Info)) {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("i= info invalid")}
	}
	for _, e := range s.Emails {
		if !IsEmail([]byte(e)) {
			return &ovrerr.SdpMalformed{Err: fmt.Errorf("e= address %q invalid", e)}
		}
	}
	for _, p := range s.Phones {
		if !IsPhone([]byte(p)) {
			return &ovrerr.SdpMalformed{Err: fmt.Errorf("p= number %q invalid", p)}
		}
	}
	if s.Connection != nil && !IsAddress([]byte(s.Connection.Address)) {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("c= address %q invalid", s.Connection.Address)}
	}
	for typ := range s.Bandwidth {
		if !IsToken([]byte(typ)) {
			return &ovrerr.SdpMalformed{Err: fmt.Errorf("b= type %q invalid", typ)}
		}
	}
	for _, a := range s.Attributes {
		if err := validateAttr(a); err != nil {
			return err
		}
	}
	for _, tb := range s.Times {
		if !IsValidTimeBlock(tb.Start, tb.Stop) {
			return &ovrerr.SdpMalformed{Err: fmt.Errorf("t=%d %d rejected", tb.Start, tb.Stop)}
		}
	}
	for _, m := range s.Media {
		if !ValidPort(m.Port) {
			return &ovrerr.SdpMalformed{Err: fmt.Errorf("m= port %d out of range", m.Port)}
		}
		if !IsToken([]byte(m.Media)) {
			return &ovrerr.SdpMalformed{Err: fmt.Errorf("m= media name %q invalid", m.Media)}
		}
		if !IsProto([]byte(m.Proto)) {
			return &ovrerr.SdpMalformed{Err: fmt.Errorf("m= proto %q invalid", m.Proto)}
		}
		if m.Key != "" && !IsKey([]byte(m.Key)) {
			return &ovrerr.SdpMalformed{Err: fmt.Errorf("k= key invalid")}
		}
		for _, c := range m.Connection {
			if !IsAddress([]byte(c.Address)) {
				return &ovrerr.SdpMalformed{Err: fmt.Errorf("c= address %q invalid", c.Address)}
			}
		}
		for typ := range m.Bandwidth {
			if !IsToken([]byte(typ)) {
				return &ovrerr.SdpMalformed{Err: fmt.Errorf("b= type %q invalid", typ)}
			}
		}
		for _, a := range m.Attributes {
			if err := validateAttr(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateAttr checks one "a=" line against the "attribute" production:
// a token name, and (if present) a byte-string value.
func validateAttr(a Attr) error {
	if !IsToken([]byte(a.Key)) {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("a= name %q invalid", a.Key)}
	}
	if a.Value != "" && !IsByteString([]byte(a.Value)) {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("a=%s value invalid", a.Key)}
	}
	return nil
}

func (s *Session) toPion() *psdp.SessionDescription {
	p := &psdp.SessionDescription{
		Version: psdp.Version(s.Version),
		Origin: psdp.Origin{
			Username:       s.Origin.Username,
			SessionID:      s.Origin.SessionID,
			SessionVersion: s.Origin.SessionVersion,
			NetworkType:    s.Origin.NetType,
			AddressType:    s.Origin.AddrType,
			UnicastAddress: s.Origin.Address,
		},
		SessionName: psdp.SessionName(s.Name),
	}
	if s.Info != "" {
		info := psdp.Information(s.Info)
		p.SessionInformation = &info
	}
	if s.Connection != nil {
		p.ConnectionInformation = connToPion(*s.Connection)
	}
	for t, v := range s.Bandwidth {
		p.Bandwidth = append(p.Bandwidth, psdp.Bandwidth{Type: t, Bandwidth: v})
	}
	for _, tb := range s.Times {
		td := psdp.TimeDescription{Timing: psdp.Timing{StartTime: tb.Start, StopTime: tb.Stop}}
		for _, rt := range tb.Repeat {
			td.RepeatTimes = append(td.RepeatTimes, psdp.RepeatTime{Interval: rt.Interval, Duration: rt.Duration, Offsets: rt.Offsets})
		}
		p.TimeDescriptions = append(p.TimeDescriptions, td)
		for _, z := range tb.ZoneAdj {
			p.TimeZones = append(p.TimeZones, psdp.TimeZone{AdjustmentTime: z.AdjustmentTime, Offset: z.Offset})
		}
	}
	if len(p.TimeDescriptions) == 0 {
		p.TimeDescriptions = []psdp.TimeDescription{{}}
	}
	for _, a := range s.Attributes {
		p.Attributes = append(p.Attributes, psdp.Attribute{Key: a.Key, Value: a.Value})
	}
	for _, m := range s.Media {
		pm := &psdp.MediaDescription{
			MediaName: psdp.MediaName{
				Media:   m.Media,
				Port:    psdp.RangedPort{Value: m.Port, Range: m.SecondPort},
				Protos:  splitProto(m.Proto),
				Formats: m.Formats,
			},
		}
		for _, c := range m.Connection {
			pm.ConnectionInformation = connToPion(c)
		}
		for t, v := range m.Bandwidth {
			pm.Bandwidth = append(pm.Bandwidth, psdp.Bandwidth{Type: t, Bandwidth: v})
		}
		for _, a := range m.Attributes {
			pm.Attributes = append(pm.Attributes, psdp.Attribute{Key: a.Key, Value: a.Value})
		}
		p.MediaDescriptions = append(p.MediaDescriptions, pm)
	}
	return p
}

func connToPion(c ConnectionInfo) *psdp.ConnectionInformation {
	return &psdp.ConnectionInformation{
		NetworkType: c.NetType,
		AddressType: c.AddrType,
		Address:     &psdp.Address{Address: c.Address},
	}
}

func splitProto(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// FormatNTP renders an SDP time value the way "t=" lines expect — either
// the literal "0" or a decimal NTP timestamp.
func FormatNTP(v uint64) string {
	return strconv.FormatUint(v, 10)
}
