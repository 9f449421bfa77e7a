// Package proxy wires every other package into one running ICE
// multiplexing gateway. It owns the external UDP socket, the session
// table, the transaction table and its GC timer, and the DTLS cookie
// rotation timer, and implements internal/controlplane.Registry so the
// host process's event transport has a single entry point. It is also
// the one place that drives the demux -> DTLS -> forwarding handoff:
// this package owns that reconciliation because it is the only
// component that can see a Stream's selected STUN pair and its
// completed DTLS handshake at once.
package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"

	"github.com/mediabridge/iceproxy/internal/candidate"
	"github.com/mediabridge/iceproxy/internal/cert"
	"github.com/mediabridge/iceproxy/internal/checklist"
	"github.com/mediabridge/iceproxy/internal/config"
	"github.com/mediabridge/iceproxy/internal/cookie"
	"github.com/mediabridge/iceproxy/internal/dtlsengine"
	"github.com/mediabridge/iceproxy/internal/forward"
	"github.com/mediabridge/iceproxy/internal/metrics"
	"github.com/mediabridge/iceproxy/internal/mux"
	"github.com/mediabridge/iceproxy/internal/ovrerr"
	"github.com/mediabridge/iceproxy/internal/sdp"
	"github.com/mediabridge/iceproxy/internal/session"
	"github.com/mediabridge/iceproxy/internal/stunmsg"
)

// payloadFormat is the RTP payload type this gateway advertises for its
// one always-present audio m= line.
const payloadFormat = 0

// internalHost is the loopback address this gateway's per-session
// internal sockets bind to: one socket per session, a local-only
// consumer that is never reachable from the public interface.
const internalHost = "127.0.0.1"

// txEntry is one outstanding STUN transaction. Proxy owns this table
// because transaction ids must be unique across every session on the
// proxy, not just within one stream.
type txEntry struct {
	pair    *checklist.Pair
	stream  *session.Stream
	session *session.Session
	created time.Time
}

// remoteEntry records which stream (and owning session) a peer
// (host,port) belongs to. The map it lives in is a partial function:
// registering the same address for a second stream is refused.
type remoteEntry struct {
	session *session.Session
	stream  *session.Stream
}

// Proxy is the top-level object; one instance per process.
type Proxy struct {
	cfg           *config.Config
	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory
	metrics       *metrics.Registry

	certificate *cert.Certificate
	cookies     *cookie.Store
	dtls        *dtlsengine.Engine

	router *mux.Router
	conn   *net.UDPConn

	// onSessionState, when set, is invoked with (session id, state) every
	// time a session settles into a terminal state, so the host process
	// can push the outbound ice_session_completed event.
	onSessionState func(sessionID, state string)

	mu                sync.Mutex
	sessions          map[uuid.UUID]*session.Session
	ufrags            map[string]*session.Session
	forwards          map[*session.Stream]*forward.Session
	internalSockets   map[*session.Stream]*net.UDPConn
	remoteToStream    map[string]remoteEntry
	dtlsStarted       map[*checklist.Pair]bool
	nominationStarted map[*session.Stream]bool
	transactions      map[[stun.TransactionIDSize]byte]txEntry
}

// New builds a Proxy bound to the configured external address. It does
// not start the read loop; call Run for that.
func New(cfg *config.Config, certificate *cert.Certificate, loggerFactory logging.LoggerFactory, metricsReg *metrics.Registry) (*Proxy, error) {
	cookies, err := cookie.New(cfg.CookiePool.Quantity, cfg.CookiePool.Length)
	if err != nil {
		return nil, err
	}
	profiles, err := dtlsengine.ParseProfiles(cfg.SRTPProfiles)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.External.String())
	if err != nil {
		return nil, &ovrerr.ConfigInvalid{Err: err}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &ovrerr.SocketBind{Err: err}
	}

	p := &Proxy{
		cfg:               cfg,
		log:               loggerFactory.NewLogger("proxy"),
		loggerFactory:     loggerFactory,
		metrics:           metricsReg,
		certificate:       certificate,
		cookies:           cookies,
		dtls:              dtlsengine.New(certificate, cookies, profiles, loggerFactory),
		conn:              conn,
		sessions:          map[uuid.UUID]*session.Session{},
		ufrags:            map[string]*session.Session{},
		forwards:          map[*session.Stream]*forward.Session{},
		internalSockets:   map[*session.Stream]*net.UDPConn{},
		remoteToStream:    map[string]remoteEntry{},
		dtlsStarted:       map[*checklist.Pair]bool{},
		nominationStarted: map[*session.Stream]bool{},
		transactions:      map[[stun.TransactionIDSize]byte]txEntry{},
	}
	p.router = mux.NewRouter(conn, loggerFactory, p.handleSTUN)
	p.router.SetOrphanHandler(p.handleOrphan)
	return p, nil
}

// SetStateNotifier installs the callback fired whenever a session
// reaches COMPLETED or FAILED (the outbound ice_session_completed
// event). Must be set before sessions are created.
func (p *Proxy) SetStateNotifier(f func(sessionID, state string)) {
	p.onSessionState = f
}

// Run starts the single-threaded external-socket read loop. It blocks
// until the socket is closed or a fatal read error occurs.
func (p *Proxy) Run() error {
	return p.router.ReadLoop()
}

// Close tears the proxy down: every session's timers, every registered
// pair, and the external socket.
func (p *Proxy) Close() error {
	p.mu.Lock()
	for _, s := range p.sessions {
		s.CancelTimers()
	}
	p.mu.Unlock()
	return p.router.Close()
}

// StartCookieRotation arms the periodic DTLS cookie-key rotation timer
// that bounds how long a cookie MAC key stays valid.
func (p *Proxy) StartCookieRotation() *time.Ticker {
	period := p.cfg.CookiePool.Lifetime()
	ticker := time.NewTicker(period)
	go func() {
		for range ticker.C {
			if err := p.cookies.Rotate(); err != nil {
				p.log.Warnf("cookie rotation failed: %v", err)
			}
		}
	}()
	return ticker
}

// StartTransactionGC arms the proxy-wide timer that evicts STUN
// transactions older than the configured transaction lifetime: every
// entry older than that age is gone from the table after the next tick.
func (p *Proxy) StartTransactionGC() *time.Ticker {
	period := p.cfg.Limits.TransactionLifetime()
	ticker := time.NewTicker(period)
	go func() {
		for range ticker.C {
			p.gcTransactions(period)
		}
	}()
	return ticker
}

func (p *Proxy) gcTransactions(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.transactions {
		if e.created.Before(cutoff) {
			delete(p.transactions, id)
		}
	}
}

func (p *Proxy) registerTransaction(pair *checklist.Pair, st *session.Stream, s *session.Session, txID [stun.TransactionIDSize]byte) {
	p.mu.Lock()
	p.transactions[txID] = txEntry{pair: pair, stream: st, session: s, created: time.Now()}
	p.mu.Unlock()
}

func (p *Proxy) takeTransaction(txID [stun.TransactionIDSize]byte) (txEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.transactions[txID]
	if ok {
		delete(p.transactions, txID)
	}
	return e, ok
}

// --- controlplane.Registry ---

// CreateSession allocates a Session with one Stream and registers its
// ufrag for lookup by incoming STUN USERNAME. It also opens this
// stream's own internal UDP socket and returns its address as the
// session-create response's socket data.
func (p *Proxy) CreateSession() (*session.Session, *forward.Target, error) {
	s, err := session.New(p.log, p.onSessionTerminal)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	taken := func(ufrag string) bool { _, ok := p.ufrags[ufrag]; return ok }
	st, err := s.NewStream(payloadFormat, taken)
	if err != nil {
		p.mu.Unlock()
		return nil, nil, err
	}
	p.sessions[s.ID] = s
	p.ufrags[st.LocalUfrag] = s
	p.mu.Unlock()

	internalConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(internalHost), Port: 0})
	if err != nil {
		p.mu.Lock()
		delete(p.sessions, s.ID)
		delete(p.ufrags, st.LocalUfrag)
		p.mu.Unlock()
		return nil, nil, &ovrerr.SocketBind{Err: err}
	}
	p.mu.Lock()
	p.internalSockets[st] = internalConn
	p.mu.Unlock()

	s.StartTimers(p.cfg.Limits.SessionTimeout(), p.cfg.Limits.ConnectivityPace(), func() {
		p.log.Warnf("session %s timed out", s.ID)
		p.onSessionTerminal(s)
		p.teardownSession(s)
	}, func() { p.pumpChecks(s) })

	if p.metrics != nil {
		p.metrics.SetSessionState("", s.State.String())
	}

	localAddr := internalConn.LocalAddr().(*net.UDPAddr)
	return s, &forward.Target{SSRC: st.LocalSSRC, Host: localAddr.IP.String(), Port: localAddr.Port}, nil
}

func (p *Proxy) onSessionTerminal(s *session.Session) {
	if p.metrics != nil {
		p.metrics.SetSessionState("", s.State.String())
	}
	s.CancelTimers()
	if p.onSessionState != nil {
		p.onSessionState(s.ID.String(), s.State.String())
	}
}

// Lookup finds a session by its string UUID.
func (p *Proxy) Lookup(id string) (*session.Session, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[parsed]
	return s, ok
}

// Drop removes a session and releases its resources: timers, ufrag and
// remote-address table entries, its forward.Session (and the SRTP/
// internal-socket resources it owns), and its transaction-table entries.
func (p *Proxy) Drop(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return &ovrerr.ConfigInvalid{Err: err}
	}
	p.mu.Lock()
	s, ok := p.sessions[parsed]
	p.mu.Unlock()
	if !ok {
		return &ovrerr.InternalInvariant{Err: fmt.Errorf("unknown session %q", id)}
	}
	p.teardownSession(s)
	s.CancelTimers()
	return nil
}

// teardownSession removes every table entry a session owns (itself,
// its ufrags, forward sessions and internal sockets, remote-address
// mappings, outstanding transactions) without touching its timers or
// reporting its terminal state — both callers (Drop and the session
// timeout path) handle those separately since an already-fired timer
// must not be torn down the same way a live one is cancelled.
func (p *Proxy) teardownSession(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, s.ID)
	for _, st := range s.Streams {
		delete(p.ufrags, st.LocalUfrag)
		if fwd := p.forwards[st]; fwd != nil {
			go func() { _ = fwd.Close() }()
		} else if conn, ok := p.internalSockets[st]; ok {
			_ = conn.Close()
		}
		delete(p.forwards, st)
		delete(p.internalSockets, st)
		delete(p.nominationStarted, st)
		for addr, owner := range p.remoteToStream {
			if owner.stream == st {
				delete(p.remoteToStream, addr)
			}
		}
		for _, pair := range st.Checklist.Pairs() {
			if pair.RemoteAddr != nil {
				p.dtls.ForgetPeer(pair.RemoteAddr)
			}
			delete(p.dtlsStarted, pair)
		}
	}
	for txID, e := range p.transactions {
		if e.session == s {
			delete(p.transactions, txID)
		}
	}
}

// OfferSDP builds the single-m-line offer this gateway always emits:
// one host candidate at the configured external address, this process's
// certificate fingerprint, and passive DTLS setup.
func (p *Proxy) OfferSDP(s *session.Session) ([]byte, error) {
	if len(s.Streams) == 0 {
		return nil, &ovrerr.InternalInvariant{Err: fmt.Errorf("session %s has no streams", s.ID)}
	}
	st := s.Streams[0]

	externalPort := p.cfg.External.Port
	if externalPort == 0 {
		externalPort = p.conn.LocalAddr().(*net.UDPAddr).Port
	}
	hostCandidate := candidate.New(st.LocalUfrag[:8], candidate.Host, p.cfg.External.Host, externalPort)

	// Port 0 on the m= line: the answering peer reaches this gateway
	// through the advertised candidates, never the m= port itself.
	media := &sdp.MediaDesc{
		Media:   "audio",
		Port:    0,
		Proto:   "UDP/TLS/RTP/SAVPF",
		Formats: []string{itoa(payloadFormat)},
		Connection: []sdp.ConnectionInfo{{
			NetType: "IN", AddrType: "IP4", Address: p.cfg.External.Host,
		}},
		Attributes: []sdp.Attr{
			{Key: "rtcp-mux"},
			{Key: "ice-ufrag", Value: st.LocalUfrag},
			{Key: "ice-pwd", Value: st.LocalPwd},
			{Key: "fingerprint", Value: p.certificate.Fingerprint()},
			{Key: "setup", Value: "passive"},
			{Key: "candidate", Value: hostCandidate.String()},
			{Key: "end-of-candidates"},
			{Key: "ssrc", Value: fmt.Sprintf("%d cname:%s", st.LocalSSRC, s.ID.String())},
		},
	}

	sess := &sdp.Session{
		Version: 0,
		Origin: sdp.Origin{
			Username: "-", SessionID: sessionIDFromUUID(s.ID), SessionVersion: 1,
			NetType: "IN", AddrType: "IP4", Address: "0.0.0.0",
		},
		Name:       s.ID.String(),
		Connection: &sdp.ConnectionInfo{NetType: "IN", AddrType: "IP4", Address: p.cfg.External.Host},
		Times:      []sdp.TimeBlock{{Start: 0, Stop: 0}},
		Attributes: []sdp.Attr{{Key: "ice-options", Value: "trickle"}},
		Media:      []*sdp.MediaDesc{media},
	}
	return sess.Serialize()
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// sessionIDFromUUID derives an RFC 4566 "o=" session-id from a random
// session UUID: any numeric value unique enough to avoid collisions is
// conformant, so this just reads the UUID's own high 8 bytes.
func sessionIDFromUUID(id uuid.UUID) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}

// ApplyAnswer parses the peer's SDP answer, enforces the answer
// contract (DTLS-SRTP protocol, trickle support, a usable setup role,
// at most one direction attribute), and stores the peer's ufrag/pwd/
// fingerprint/SSRC on the stream.
func (p *Proxy) ApplyAnswer(s *session.Session, raw []byte) error {
	parsed, err := sdp.Parse(raw)
	if err != nil {
		return err
	}
	if len(parsed.Media) == 0 {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("answer has no media description")}
	}
	m := parsed.Media[0]
	st := s.Streams[0]

	if m.Proto != "UDP/TLS/RTP/SAVPF" && m.Proto != "UDP/TLS/RTP/SAVP" {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("answer protocol %q is not DTLS-SRTP", m.Proto)}
	}
	trickle, _ := attrValue(m.Attributes, "ice-options")
	if trickle == "" {
		trickle, _ = attrValue(parsed.Attributes, "ice-options")
	}
	if !strings.Contains(trickle, "trickle") {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("answer does not declare ice-options:trickle")}
	}
	setup, _ := attrValue(m.Attributes, "setup")
	switch setup {
	case "active", "actpass", "passive":
	default:
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("answer setup %q invalid", setup)}
	}
	if n := countDirections(m.Attributes); n > 1 {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("answer carries %d direction attributes, want at most one", n)}
	}

	ufrag, ok := attrValue(m.Attributes, "ice-ufrag")
	if !ok {
		ufrag, ok = attrValue(parsed.Attributes, "ice-ufrag")
	}
	pwd, pok := attrValue(m.Attributes, "ice-pwd")
	if !pok {
		pwd, pok = attrValue(parsed.Attributes, "ice-pwd")
	}
	fingerprint, fok := attrValue(m.Attributes, "fingerprint")
	if !fok {
		fingerprint, fok = attrValue(parsed.Attributes, "fingerprint")
	}
	if !ok || !pok || !fok {
		return &ovrerr.SdpMalformed{Err: fmt.Errorf("answer missing ice-ufrag/ice-pwd/fingerprint")}
	}

	st.RemoteUfrag = ufrag
	st.RemotePwd = pwd
	st.RemoteFingerprint = fingerprint

	if ssrcVal, sok := attrValue(m.Attributes, "ssrc"); sok {
		ssrc, err := parseSSRC(ssrcVal)
		if err != nil {
			return err
		}
		st.RemoteSSRC = ssrc
	}

	for _, val := range attrValues(m.Attributes, "candidate") {
		c, err := candidate.Parse(val)
		if err != nil {
			return err
		}
		if err := p.addRemoteCandidate(s, st, c); err != nil {
			return err
		}
	}
	if attrIsSet(m.Attributes, "end-of-candidates") {
		st.RemoteGathered = true
	}
	return nil
}

// countDirections counts the mutually exclusive direction attributes on
// a media description.
func countDirections(attrs []sdp.Attr) int {
	n := 0
	for _, a := range attrs {
		switch a.Key {
		case "sendonly", "recvonly", "sendrecv", "inactive":
			n++
		}
	}
	return n
}

// parseSSRC reads the numeric half of an "a=ssrc:<n> cname:<...>" value.
func parseSSRC(v string) (uint32, error) {
	end := strings.IndexByte(v, ' ')
	if end < 0 {
		end = len(v)
	}
	n, err := strconv.ParseUint(v[:end], 10, 32)
	if err != nil {
		return 0, &ovrerr.SdpMalformed{Err: fmt.Errorf("bad ssrc %q: %w", v, err)}
	}
	return uint32(n), nil
}

// attrValue returns the value of the first occurrence of key among attrs.
func attrValue(attrs []sdp.Attr, key string) (string, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// attrValues returns the values of every occurrence of key among attrs,
// in order (e.g. the repeated "candidate" attribute).
func attrValues(attrs []sdp.Attr, key string) []string {
	var out []string
	for _, a := range attrs {
		if a.Key == key {
			out = append(out, a.Value)
		}
	}
	return out
}

// attrIsSet reports whether a flag attribute (no value, e.g.
// "a=end-of-candidates") is present.
func attrIsSet(attrs []sdp.Attr, key string) bool {
	_, ok := attrValue(attrs, key)
	return ok
}

// AddCandidate handles a trickled candidate arriving out of band from
// the answer.
func (p *Proxy) AddCandidate(s *session.Session, sdpMid string, mlineIndex int, ufrag string, c *candidate.Candidate) error {
	if len(s.Streams) == 0 {
		return &ovrerr.InternalInvariant{Err: fmt.Errorf("session %s has no streams", s.ID)}
	}
	return p.addRemoteCandidate(s, s.Streams[0], c)
}

// addRemoteCandidate enforces that (remote_host, remote_port) -> Stream
// is a partial function across the whole multiplexing proxy before
// handing the candidate to the stream's checklist, then proactively
// registers the pair's PairConn and starts its DTLS handshake goroutine
// so an early DTLS datagram from this address is never dropped as
// "unregistered".
func (p *Proxy) addRemoteCandidate(s *session.Session, st *session.Stream, c *candidate.Candidate) error {
	key := net.JoinHostPort(c.Address, itoa(c.Port))
	p.mu.Lock()
	if owner, ok := p.remoteToStream[key]; ok && owner.stream != st {
		p.mu.Unlock()
		return &ovrerr.PeerAddressReassignment{Err: fmt.Errorf("%s already mapped to another stream", key)}
	}
	p.remoteToStream[key] = remoteEntry{session: s, stream: st}
	p.mu.Unlock()

	pair, err := st.AddRemoteCandidate(c)
	if err != nil {
		return err
	}
	p.startDTLS(s, st, pair)
	p.maybeStartNomination(s, st)
	return nil
}

// maybeStartNomination arms the controlling-side nomination retransmit
// timer exactly once per stream, the first time it has a remote
// candidate to check against. A controlled-side stream never
// nominates, so this is a no-op unless the session still holds the
// controlling role.
func (p *Proxy) maybeStartNomination(s *session.Session, st *session.Stream) {
	if !s.Controlling {
		return
	}
	p.mu.Lock()
	if p.nominationStarted[st] {
		p.mu.Unlock()
		return
	}
	p.nominationStarted[st] = true
	p.mu.Unlock()
	p.startNomination(s, st)
}

// MarkGathered records the peer's end-of-candidates signal.
func (p *Proxy) MarkGathered(s *session.Session, sdpMid string) error {
	if len(s.Streams) == 0 {
		return &ovrerr.InternalInvariant{Err: fmt.Errorf("session %s has no streams", s.ID)}
	}
	s.Streams[0].RemoteGathered = true
	return nil
}

// Talk attaches or detaches the downstream loop forward target for a
// session's stream.
func (p *Proxy) Talk(s *session.Session, loopName string, target forward.Target, on bool) error {
	st := s.Streams[0]
	fwd, ok := p.forwardFor(st)
	if !ok {
		return &ovrerr.InternalInvariant{Err: fmt.Errorf("session %s stream %d has no SRTP session yet", s.ID, st.Index)}
	}
	if !on {
		fwd.DetachLoop(loopName)
		return nil
	}
	return fwd.AttachLoop(loopName, target)
}

// forwardFor returns the stream's installed forward session. A nil
// entry is an install claim still in flight, reported as absent.
func (p *Proxy) forwardFor(st *session.Stream) (*forward.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fwd := p.forwards[st]
	return fwd, fwd != nil
}

// handleSTUN is the mux.StunHandler passed to mux.NewRouter: it answers
// plain (ICE-less) STUN immediately, routes Binding Requests to the
// owning stream's checklist, and matches Binding Success/Error Responses
// against the proxy-wide transaction table.
func (p *Proxy) handleSTUN(src *net.UDPAddr, buf []byte) ([]byte, error) {
	m, err := stunmsg.Decode(buf)
	if err != nil {
		return nil, err
	}
	// FINGERPRINT is optional, but when present it MUST be last and MUST
	// verify; the independent recomputation catches a message whose
	// attributes were reordered or truncated after framing.
	if m.Contains(stun.AttrFingerprint) {
		if err := stunmsg.CheckFingerprint(buf); err != nil {
			return nil, err
		}
	}

	switch m.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		return p.handleStunResponse(src, m)
	default:
		return p.handleStunRequest(src, m)
	}
}

func (p *Proxy) handleStunRequest(src *net.UDPAddr, m *stun.Message) ([]byte, error) {
	localUfrag, _, hasUsername := stunmsg.Username(m)
	_, hasPriority := stunmsg.Priority(m)

	// A request missing PRIORITY (or any request this gateway cannot map
	// to a live stream by USERNAME) is answered as plain STUN and never
	// creates a pair.
	if !hasUsername || !hasPriority {
		resp, err := stunmsg.BuildBindingSuccessPlain(m.TransactionID, src.IP, src.Port)
		if err != nil {
			return nil, err
		}
		if p.metrics != nil {
			p.metrics.StunRequestsTotal.WithLabelValues("plain").Inc()
		}
		return resp.Raw, nil
	}

	p.mu.Lock()
	s, ok := p.ufrags[localUfrag]
	p.mu.Unlock()
	if !ok {
		return nil, &ovrerr.StunUnauthorized{Err: fmt.Errorf("unknown ufrag %q", localUfrag)}
	}
	st := s.Streams[0]

	// Invariant: a peer 5-tuple belongs to at most one stream. A source
	// address already owned by a different stream is refused before it
	// can seed a peer-reflexive pair here.
	srcKey := src.String()
	p.mu.Lock()
	if owner, mapped := p.remoteToStream[srcKey]; mapped && owner.stream != st {
		p.mu.Unlock()
		return nil, &ovrerr.PeerAddressReassignment{Err: fmt.Errorf("%s already mapped to another stream", srcKey)}
	}
	p.mu.Unlock()

	resp, err := st.HandleBindingRequest(src, m)
	if err != nil {
		return nil, err
	}

	// Claim the source address only once the request authenticated, so a
	// forged source can't squat an address mapping.
	p.mu.Lock()
	p.remoteToStream[srcKey] = remoteEntry{session: s, stream: st}
	p.mu.Unlock()
	if p.metrics != nil {
		if resp != nil && resp.Type.Class == stun.ClassErrorResponse {
			p.metrics.RoleConflictsTotal.Inc()
		}
		p.metrics.StunRequestsTotal.WithLabelValues("check").Inc()
		// A newly discovered peer-reflexive pair (or one promoted by this
		// request's USE-CANDIDATE) is always observed in SUCCESS here; this
		// gauge intentionally only tracks arrivals into a state, not
		// departures, matching SetSessionState's own "" prev.
		p.metrics.SetPairState("", checklist.Success.String())
	}

	if pair := st.SelectedPair(); pair != nil {
		p.onPairSelected(s, st, pair)
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Raw, nil
}

func (p *Proxy) handleStunResponse(src *net.UDPAddr, m *stun.Message) ([]byte, error) {
	e, ok := p.takeTransaction(m.TransactionID)
	if !ok {
		// No matching outstanding transaction: either it already expired
		// out of the GC'd transaction table or this is spurious traffic.
		// Either way there is nothing to reply with.
		return nil, nil
	}
	if m.Type.Class == stun.ClassErrorResponse {
		e.pair.State = checklist.Failed
		if p.metrics != nil {
			p.metrics.StunResponsesTotal.WithLabelValues("error").Inc()
			p.metrics.SetPairState("", checklist.Failed.String())
		}
		return nil, nil
	}

	e.stream.HandleBindingResponse(e.pair, src)
	if p.metrics != nil {
		p.metrics.StunResponsesTotal.WithLabelValues("success").Inc()
		p.metrics.SetPairState("", e.pair.State.String())
	}
	if pair := e.stream.SelectedPair(); pair != nil {
		p.onPairSelected(e.session, e.stream, pair)
	}
	return nil, nil
}

// handleOrphan admits a DTLS- or SRTP-class datagram from an address
// with no registered PairConn yet: if the address already maps to a
// stream (via a registered candidate or an earlier STUN check), a
// peer-reflexive pair is created in SUCCESS, its PairConn registered,
// and its DTLS handshake started, so the datagram that triggered all
// this is delivered rather than dropped. An address no stream knows is
// dropped silently.
func (p *Proxy) handleOrphan(class mux.Class, src *net.UDPAddr) *mux.PairConn {
	p.mu.Lock()
	owner, ok := p.remoteToStream[src.String()]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	pair := owner.stream.AdmitPeerReflexive(src)
	conn := p.router.RegisterPair(pair.RemoteAddr)
	if class == mux.ClassDTLS {
		p.startDTLS(owner.session, owner.stream, pair)
	}
	return conn
}

// pumpChecks is the connectivity-pacing tick callback: it asks every
// session's stream for its next outgoing check, registers its
// transaction, and sends it, advancing the ordinary checklist state
// machine (RFC 8445 §5 connectivity checks).
func (p *Proxy) pumpChecks(s *session.Session) {
	for _, st := range s.Streams {
		check, err := st.NextCheck()
		if err != nil || check == nil {
			continue
		}
		p.registerTransaction(check.Pair, st, s, check.Message.TransactionID)
		_, _ = p.conn.WriteToUDP(check.Message.Raw, check.Pair.RemoteAddr)
		if p.metrics != nil {
			p.metrics.StunRequestsTotal.WithLabelValues("check").Inc()
		}
	}
}

// startNomination arms a stream's nomination retransmit timer, routing
// each retransmitted Binding Request through the same transaction table
// as an ordinary check.
func (p *Proxy) startNomination(s *session.Session, st *session.Stream) {
	st.StartNominateRetransmit(p.cfg.Limits.ConnectivityPace(), func(pair *checklist.Pair, msg *stun.Message) {
		p.registerTransaction(pair, st, s, msg.TransactionID)
		_, _ = p.conn.WriteToUDP(msg.Raw, pair.RemoteAddr)
	})
}

// onPairSelected is called whenever a stream's STUN engine settles on a
// selected pair, from either side of the handshake (controlling-side
// nomination or controlled-side USE-CANDIDATE observation). It registers
// the pair's PairConn (idempotent) and reconciles against any DTLS
// handshake already completed on it: if DTLS has already completed on
// this same pair, the forwarding plane is installed; if DTLS completed
// on a different pair, the stream is marked FAILED.
func (p *Proxy) onPairSelected(s *session.Session, st *session.Stream, pair *checklist.Pair) {
	p.startDTLS(s, st, pair)
	p.reconcileDTLS(s, st, pair)
}

// startDTLS registers pair's PairConn and, the first time this pair is
// seen, spawns the blocking DTLS server handshake over it: the first
// datagram the router delivers into the registered PairConn's buffer
// unblocks the goroutine's read of the handshake's first flight (the
// DTLSv1_listen cookie exchange, RFC 6347 §4.2.1). Safe to call more
// than once for the same pair.
func (p *Proxy) startDTLS(s *session.Session, st *session.Stream, pair *checklist.Pair) {
	if pair == nil || pair.RemoteAddr == nil {
		return
	}
	p.mu.Lock()
	if p.dtlsStarted[pair] {
		p.mu.Unlock()
		return
	}
	p.dtlsStarted[pair] = true
	p.mu.Unlock()

	endpoint := p.router.RegisterPair(pair.RemoteAddr).DTLSEndpoint()

	go func() {
		result, err := p.dtls.Handshake(endpoint, st.RemoteFingerprint)
		if err != nil {
			p.log.Warnf("dtls handshake with %s failed: %v", pair.RemoteAddr, err)
			if p.metrics != nil {
				p.metrics.DtlsHandshakesTotal.WithLabelValues("failure").Inc()
			}
			st.SetDTLSFailed()
			_ = endpoint.Close()
			return
		}
		if p.metrics != nil {
			p.metrics.DtlsHandshakesTotal.WithLabelValues("success").Inc()
		}

		p.mu.Lock()
		pair.DTLS = result
		p.mu.Unlock()

		st.SetDTLSCompleted()
		p.reconcileDTLS(s, st, pair)
	}()
}

// reconcileDTLS installs the forwarding plane once both STUN and DTLS
// have converged on the same pair. If DTLS has completed on a pair other
// than the one STUN selected, in either order, that stream's DTLS
// substate is marked FAILED.
func (p *Proxy) reconcileDTLS(s *session.Session, st *session.Stream, pair *checklist.Pair) {
	p.mu.Lock()
	result, haveDTLS := pair.DTLS.(*dtlsengine.Result)
	alreadyInstalled := p.forwards[st] != nil
	pairConn := p.router.RegisterPair(pair.RemoteAddr)
	internalConn := p.internalSockets[st]
	p.mu.Unlock()

	selected := st.SelectedPair()
	if selected != nil && selected != pair {
		if haveDTLS {
			// DTLS converged on this pair, but STUN has since settled on a
			// different one: the peer nominated (or this gateway selected)
			// another candidate pair after the handshake already committed
			// to this one. Keying material for an unselected pair is
			// useless, and silently dropping it would leave the stream
			// stuck RUNNING forever, so the DTLS substate fails and the
			// reduction propagates to the session.
			p.log.Warnf("session %s stream %d dtls completed on %s but stun selected %s", s.ID, st.Index, pair.RemoteAddr, selected.RemoteAddr)
			st.SetDTLSFailed()
		}
		return
	}
	if selected == pair && !haveDTLS {
		p.mu.Lock()
		completedElsewhere := false
		for _, q := range st.Checklist.Pairs() {
			if _, ok := q.DTLS.(*dtlsengine.Result); ok && q != pair {
				completedElsewhere = true
			}
		}
		p.mu.Unlock()
		if completedElsewhere {
			st.SetDTLSFailed()
			return
		}
	}
	if selected == nil || !haveDTLS || alreadyInstalled {
		return
	}
	if internalConn == nil {
		p.log.Warnf("session %s stream %d selected before its internal socket existed", s.ID, st.Index)
		return
	}

	// Claim the install slot before building the forward session: both
	// the STUN-selection path and the DTLS-completion goroutine run this
	// reconciliation, and only one may install.
	p.mu.Lock()
	if _, dup := p.forwards[st]; dup {
		p.mu.Unlock()
		return
	}
	p.forwards[st] = nil
	p.mu.Unlock()

	// This gateway always runs the server (passive) side of DTLS, so the
	// SRTP keying material extraction always uses isClient=false.
	fwd, err := forward.NewSession(result.Conn, pairConn.SRTPEndpoint(), pairConn.SRTCPEndpoint(), result.Profile, false, st.LocalSSRC, st.RemoteSSRC, st.PayloadFmt, internalConn, p.loggerFactory)
	if err != nil {
		p.log.Warnf("session %s stream %d srtp install failed: %v", s.ID, st.Index, err)
		p.mu.Lock()
		delete(p.forwards, st)
		p.mu.Unlock()
		st.SetSRTPFailed()
		return
	}
	if p.metrics != nil {
		fwd.OnPacket(func(direction string, n int) {
			p.metrics.SrtpPacketsTotal.WithLabelValues(direction).Inc()
			p.metrics.SrtpBytesTotal.WithLabelValues(direction).Add(float64(n))
		})
	}

	p.installForward(st, fwd)
	st.SetSRTPCompleted()
}

// installForward binds a stream's negotiated DTLS-SRTP session to its
// forward.Session once the handshake on its nominated pair completes.
func (p *Proxy) installForward(st *session.Stream, fwd *forward.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwards[st] = fwd
}
