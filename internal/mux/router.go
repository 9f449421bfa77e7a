package mux

import (
	"net"
	"sync"

	"github.com/pion/logging"
)

// StunHandler processes one inbound STUN datagram and returns the
// response bytes to send back, if any.
type StunHandler func(src *net.UDPAddr, buf []byte) (response []byte, err error)

// OrphanHandler is consulted when a DTLS- or SRTP-class datagram
// arrives from an address with no registered PairConn. It may admit the
// source (e.g. as a peer-reflexive pair of a stream that already knows
// this address) and return the PairConn to deliver into; returning nil
// drops the datagram.
type OrphanHandler func(class Class, src *net.UDPAddr) *PairConn

// Router owns the external socket and demultiplexes every inbound
// datagram. STUN traffic is handed directly to the
// session engine via StunHandler since every checklist pair, across
// every session, shares the single socket and is looked up by source
// address there. DTLS and SRTP traffic, once a pair is selected, is
// routed to that pair's PairConn.
type Router struct {
	conn *net.UDPConn
	log  logging.LeveledLogger

	onStun   StunHandler
	onOrphan OrphanHandler

	mu    sync.RWMutex
	pairs map[string]*PairConn
}

// SetOrphanHandler installs the unknown-source fallback. Must be called
// before ReadLoop starts.
func (r *Router) SetOrphanHandler(h OrphanHandler) { r.onOrphan = h }

// NewRouter wraps an already-bound external UDP socket.
func NewRouter(conn *net.UDPConn, loggerFactory logging.LoggerFactory, onStun StunHandler) *Router {
	return &Router{
		conn:   conn,
		log:    loggerFactory.NewLogger("mux"),
		onStun: onStun,
		pairs:  make(map[string]*PairConn),
	}
}

// RegisterPair creates (or returns the existing) PairConn for a
// selected pair's remote address, so a DTLS or SRTP engine can read and
// write its traffic as a net.Conn.
func (r *Router) RegisterPair(remote *net.UDPAddr) *PairConn {
	key := remote.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.pairs[key]; ok {
		return c
	}
	c := newPairConn(r, remote)
	r.pairs[key] = c
	return c
}

func (r *Router) removePair(remote *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pairs, remote.String())
}

// ReadLoop runs the single read loop over the external socket until it
// is closed, classifying and routing every datagram. This is the one
// goroutine allowed to call conn.ReadFromUDP; everything
// downstream is dispatched from here.
func (r *Router) ReadLoop() error {
	buf := make([]byte, 1500)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		r.dispatch(src, buf[:n])
	}
}

func (r *Router) dispatch(src *net.UDPAddr, buf []byte) {
	switch Classify(buf) {
	case ClassSTUN:
		if r.onStun == nil {
			return
		}
		resp, err := r.onStun(src, buf)
		if err != nil {
			r.log.Debugf("mux: stun handler error from %s: %v", src, err)
			return
		}
		if len(resp) > 0 {
			if _, err := r.conn.WriteToUDP(resp, src); err != nil {
				r.log.Warnf("mux: write to %s failed: %v", src, err)
			}
		}
	case ClassDTLS, ClassSRTP:
		class := Classify(buf)
		r.mu.RLock()
		c, ok := r.pairs[src.String()]
		r.mu.RUnlock()
		if !ok {
			if r.onOrphan != nil {
				c = r.onOrphan(class, src)
			}
			if c == nil {
				r.log.Debugf("mux: %s datagram from unregistered pair %s dropped", class, src)
				return
			}
		}
		c.deliver(class, buf)
	default:
		if len(buf) > 0 {
			r.log.Warnf("mux: unrecognised datagram from %s starting with %d", src, buf[0])
		}
	}
}

// Close closes the underlying socket and every registered pair
// endpoint.
func (r *Router) Close() error {
	r.mu.Lock()
	pairs := make([]*PairConn, 0, len(r.pairs))
	for addr, c := range r.pairs {
		pairs = append(pairs, c)
		delete(r.pairs, addr)
	}
	r.mu.Unlock()
	for _, c := range pairs {
		_ = c.Close()
	}
	return r.conn.Close()
}
