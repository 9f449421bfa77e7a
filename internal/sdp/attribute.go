package sdp

import "strings"

// Direction is the sendonly/recvonly/sendrecv/inactive media direction.
type Direction int

const (
	DirectionUnspecified Direction = iota
	DirectionSendRecv
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return ""
	}
}

// AttrCursor is a private iteration position returned by Iterate. It is a
// value, not a pointer into the live attribute slice, so holding one does
// not alias anything the caller (or a concurrent mutation, in a future
// multi-writer world) could corrupt.
type AttrCursor struct {
	attrs []Attr
	next  int
	done  bool
}

// iterateOver returns a cursor positioned at the start of attrs. The name
// is not stored: each Next call filters by the name passed to it.
func iterateOver(attrs []Attr, name string) *AttrCursor {
	return &AttrCursor{attrs: attrs, next: 0}
}

// Next advances the cursor by one match and returns it; ok is false and
// the cursor is exhausted once no further match exists.
func (c *AttrCursor) Next(name string) (val string, ok bool) {
	if c == nil || c.done {
		return "", false
	}
	for ; c.next < len(c.attrs); c.next++ {
		if c.attrs[c.next].Key == name {
			val = c.attrs[c.next].Value
			c.next++
			return val, true
		}
	}
	c.done = true
	return "", false
}

// attrHaver is implemented by both Session and MediaDesc.
type attrHaver interface {
	attrSlice() []Attr
}

func (s *Session) attrSlice() []Attr   { return s.Attributes }
func (m *MediaDesc) attrSlice() []Attr { return m.Attributes }

// IsSet reports whether a flag- or value-attribute with the given name
// is present.
func IsSet(h attrHaver, name string) bool {
	for _, a := range h.attrSlice() {
		if a.Key == name {
			return true
		}
	}
	return false
}

// Get returns the value of the first attribute with the given name.
func Get(h attrHaver, name string) (string, bool) {
	for _, a := range h.attrSlice() {
		if a.Key == name {
			return a.Value, true
		}
	}
	return "", false
}

// Iterate returns a cursor over h's attributes; each Next(name) call
// returns the next attribute with that name. The name given here is not
// used for filtering.
func Iterate(h attrHaver, name string) *AttrCursor {
	return iterateOver(h.attrSlice(), name)
}

// Add appends an attribute. Implemented per concrete type since the
// underlying slice is owned by the struct, not shared.
func (s *Session) Add(key, value string) {
	s.Attributes = append(s.Attributes, Attr{Key: key, Value: value})
}
func (m *MediaDesc) Add(key, value string) {
	m.Attributes = append(m.Attributes, Attr{Key: key, Value: value})
}

// Delete removes every attribute with the given name.
func (s *Session) Delete(key string)   { s.Attributes = deleteByName(s.Attributes, key) }
func (m *MediaDesc) Delete(key string) { m.Attributes = deleteByName(m.Attributes, key) }

func deleteByName(attrs []Attr, key string) []Attr {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Key != key {
			out = append(out, a)
		}
	}
	return out
}

// RTPMap describes an "a=rtpmap:<fmt> <name>/<clockrate>[/<params>]" line.
type RTPMap struct {
	PayloadType int
	Name        string
	ClockRate   int
	Params      string
}

// RTPMaps returns every rtpmap attribute on a media description.
func (m *MediaDesc) RTPMaps() []RTPMap {
	var out []RTPMap
	c := Iterate(m, "rtpmap")
	for v, ok := c.Next("rtpmap"); ok; v, ok = c.Next("rtpmap") {
		if rm, ok := parseRTPMap(v); ok {
			out = append(out, rm)
		}
	}
	return out
}

func parseRTPMap(v string) (RTPMap, bool) {
	sp := strings.IndexByte(v, ' ')
	if sp < 0 {
		return RTPMap{}, false
	}
	pt, err := atoiSafe(v[:sp])
	if err != nil {
		return RTPMap{}, false
	}
	rest := v[sp+1:]
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 {
		return RTPMap{}, false
	}
	cr, err := atoiSafe(parts[1])
	if err != nil {
		return RTPMap{}, false
	}
	rm := RTPMap{PayloadType: pt, Name: parts[0], ClockRate: cr}
	if len(parts) == 3 {
		rm.Params = parts[2]
	}
	return rm, true
}

func atoiSafe(s string) (int, error) {
	n := 0
	if len(s) == 0 {
		return 0, errEmptyInt
	}
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, errEmptyInt
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// Fmtp returns the raw "a=fmtp:<fmt> <params>" value for a payload type.
func (m *MediaDesc) Fmtp(payloadType int) (string, bool) {
	pt := itoaSimple(payloadType)
	c := Iterate(m, "fmtp")
	for v, ok := c.Next("fmtp"); ok; v, ok = c.Next("fmtp") {
		sp := strings.IndexByte(v, ' ')
		if sp < 0 {
			continue
		}
		if v[:sp] == pt {
			return v[sp+1:], true
		}
	}
	return "", false
}

func itoaSimple(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Direction returns the media's direction attribute. ok is false when
// none of the four mutually exclusive direction attributes is present.
func (m *MediaDesc) Direction() (Direction, bool) {
	return directionOf(m)
}

// Direction returns the session-level direction attribute, inherited by
// any media description that doesn't set its own.
func (s *Session) Direction() (Direction, bool) {
	return directionOf(s)
}

func directionOf(h attrHaver) (Direction, bool) {
	found := DirectionUnspecified
	count := 0
	for _, a := range h.attrSlice() {
		switch a.Key {
		case "sendrecv":
			found, count = DirectionSendRecv, count+1
		case "sendonly":
			found, count = DirectionSendOnly, count+1
		case "recvonly":
			found, count = DirectionRecvOnly, count+1
		case "inactive":
			found, count = DirectionInactive, count+1
		}
	}
	if count == 0 {
		return DirectionUnspecified, false
	}
	// count > 1 is not rejected by Parse (the proxy's ApplyAnswer rejects
	// it for answers); Direction returns the last one found rather than
	// panicking.
	return found, true
}

var errEmptyInt = &emptyIntError{}

type emptyIntError struct{}

func (*emptyIntError) Error() string { return "not a decimal integer" }
