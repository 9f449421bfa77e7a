// Package sdp implements the subset of RFC 4566 this gateway actually
// exercises: a typed session tree, parsing and serialization built on
// top of github.com/pion/sdp/v3, and a validating layer enforcing the
// lexical productions and structural rules this gateway relies on.
package sdp

import "strconv"

// IsToken reports whether b is a valid RFC 4566 "token": 1*(token-char),
// where token-char excludes CTLs, space and the separator set.
func IsToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c <= 0x20 || c == 0x7f:
		return false
	case c == '(' || c == ')' || c == '<' || c == '>' || c == '@' ||
		c == ',' || c == ';' || c == ':' || c == '\\' || c == '"' ||
		c == '/' || c == '[' || c == ']' || c == '?' || c == '=' ||
		c == '{' || c == '}':
		return false
	default:
		return true
	}
}

// IsUsername reports whether b is a valid "username" production: a
// byte-string with no space.
func IsUsername(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c == ' ' || c == '\x00' || c == '\r' || c == '\n' {
			return false
		}
	}
	return true
}

// IsByteString reports whether b is a valid "byte-string": any sequence
// of bytes except NUL, CR, LF.
func IsByteString(b []byte) bool {
	for _, c := range b {
		if c == 0 || c == '\r' || c == '\n' {
			return false
		}
	}
	return true
}

// IsText reports whether b is free text (the "text" production, a
// byte-string): embedded NUL, CR and LF are rejected; UTF-8
// well-formedness is not checked.
func IsText(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return IsByteString(b)
}

// IsInteger reports whether b is a decimal integer (optionally signed).
func IsInteger(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	i := 0
	if b[0] == '-' {
		i = 1
	}
	if i == len(b) {
		return false
	}
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return false
		}
	}
	return true
}

// IsPort reports whether b parses as a decimal port number in [0,65535].
func IsPort(b []byte) bool {
	if len(b) == 0 || len(b) > 5 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(string(b))
	return err == nil && n >= 0 && n <= 65535
}

// ValidPort reports whether n is a valid SDP port value. Port 0 is
// explicitly allowed (used for disabled media); anything above 65535 is
// rejected.
func ValidPort(n int) bool {
	return n >= 0 && n <= 65535
}

// IsTypedTime reports whether b is a typed-time ("<digits>[dhms]").
func IsTypedTime(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	end := len(b)
	switch b[end-1] {
	case 'd', 'h', 'm', 's':
		end--
	}
	if end == 0 {
		return false
	}
	for _, c := range b[:end] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IsTime reports whether b is a valid "time" value: either the literal
// "0" or a 10-digit NTP timestamp.
func IsTime(b []byte) bool {
	if len(b) == 1 && b[0] == '0' {
		return true
	}
	if len(b) != 10 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// IsPhone reports whether b looks like a "+" E.164-ish phone production.
func IsPhone(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	i := 0
	if b[0] == '+' {
		i = 1
	}
	seenDigit := false
	for ; i < len(b); i++ {
		switch {
		case b[i] >= '0' && b[i] <= '9':
			seenDigit = true
		case b[i] == ' ' || b[i] == '-':
		default:
			return false
		}
	}
	return seenDigit
}

// IsEmail is intentionally permissive: the "email" production nests a
// full RFC 2822 mailbox grammar this engine never parses into fields;
// only structural sanity (one "@", no whitespace/control bytes) is
// checked.
func IsEmail(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	at := -1
	for i, c := range b {
		if c == '@' {
			if at != -1 {
				return false
			}
			at = i
		}
		if c <= 0x20 || c == 0x7f {
			return false
		}
	}
	return at > 0 && at < len(b)-1
}

// IsKey reports whether b matches the "key" production:
// "prompt" | "clear:"<text> | "base64:"<base64> | "uri:"<uri>.
func IsKey(b []byte) bool {
	s := string(b)
	switch {
	case s == "prompt":
		return true
	case hasPrefix(s, "clear:"):
		return IsText(b[len("clear:"):])
	case hasPrefix(s, "base64:"):
		return isBase64(b[len("base64:"):])
	case hasPrefix(s, "uri:"):
		return len(b) > len("uri:")
	default:
		return false
	}
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

func isBase64(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '+', c == '/', c == '=':
		default:
			return false
		}
	}
	return true
}

// IsBandwidth reports whether b matches "<token>:<digits>".
func IsBandwidth(b []byte) bool {
	for i, c := range b {
		if c == ':' {
			return i > 0 && IsToken(b[:i]) && IsInteger(b[i+1:]) && b[i+1] != '-'
		}
	}
	return false
}

// IsAddress reports whether b is a plausible unicast/multicast address:
// an IPv4/IPv6 literal or an FQDN token. A full DNS grammar is not
// implemented; this is the subset the engine's own offers and the
// answers it accepts exercise.
func IsAddress(b []byte) bool {
	return IsIP4(b) || IsIP6(b) || IsFQDN(b)
}

// IsIP4 reports whether b is a dotted-quad IPv4 address.
func IsIP4(b []byte) bool {
	parts := splitByte(b, '.')
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// IsIP6 reports whether b contains at least two colons, the minimal
// structural signal of an IPv6 literal (full RFC 4291 validation is out
// of scope, per the Non-goals on conformance suites).
func IsIP6(b []byte) bool {
	colons := 0
	for _, c := range b {
		if c == ':' {
			colons++
		} else if !isHex(c) {
			return false
		}
	}
	return colons >= 2
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// IsMulticastIP4 reports whether b is an IPv4 literal in 224.0.0.0/4.
func IsMulticastIP4(b []byte) bool {
	if !IsIP4(b) {
		return false
	}
	parts := splitByte(b, '.')
	first := 0
	for _, c := range parts[0] {
		first = first*10 + int(c-'0')
	}
	return first >= 224 && first <= 239
}

// IsFQDN reports whether b is a dot-separated sequence of tokens with no
// whitespace, i.e. a plausible hostname.
func IsFQDN(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, label := range splitByte(b, '.') {
		if len(label) == 0 {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

func splitByte(b []byte, sep byte) [][]byte {
	var out [][]byte
	start := 0
	for i, c := range b {
		if c == sep {
			out = append(out, b[start:i])
			start = i + 1
		}
	}
	out = append(out, b[start:])
	return out
}

// IsProto reports whether b is a recognised media transport protocol
// token. This gateway only ever emits/accepts the DTLS-SRTP profiles.
func IsProto(b []byte) bool {
	switch string(b) {
	case "UDP/TLS/RTP/SAVPF", "UDP/TLS/RTP/SAVP", "RTP/AVP", "RTP/SAVPF":
		return true
	default:
		return false
	}
}
