package mux

import (
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/packetio"
)

// maxBufferSize bounds how much unread data a single endpoint's buffer
// may hold before the router starts dropping its datagrams.
const maxBufferSize = 1000 * 1000 // 1MB

// PairConn bundles one remote address's demultiplexed traffic. It
// carries three endpoints — DTLS, SRTP and SRTCP — mirroring the
// teacher's Mux/Endpoint trio (MatchDTLS/MatchSRTP/MatchSRTCP): the
// DTLS connection's own read pump, the SRTP session and the SRTCP
// session each read their own buffer, so none of them can steal a
// packet that belongs to another plane. All three endpoints share the
// router's socket for writes, addressed to this pair's remote.
type PairConn struct {
	router *Router
	remote *net.UDPAddr

	dtls  *Endpoint
	srtp  *Endpoint
	srtcp *Endpoint

	closeOnce sync.Once
}

func newPairConn(r *Router, remote *net.UDPAddr) *PairConn {
	pc := &PairConn{router: r, remote: remote}
	pc.dtls = newEndpoint(pc)
	pc.srtp = newEndpoint(pc)
	pc.srtcp = newEndpoint(pc)
	return pc
}

// DTLSEndpoint returns the net.Conn carrying this pair's DTLS-range
// datagrams.
func (c *PairConn) DTLSEndpoint() *Endpoint { return c.dtls }

// SRTPEndpoint returns the net.Conn carrying this pair's SRTP
// datagrams.
func (c *PairConn) SRTPEndpoint() *Endpoint { return c.srtp }

// SRTCPEndpoint returns the net.Conn carrying this pair's SRTCP
// datagrams.
func (c *PairConn) SRTCPEndpoint() *Endpoint { return c.srtcp }

// isSRTCP applies RFC 5761's payload-type discrimination on a datagram
// already known to be in the SRTP byte range, the same rule as the
// teacher's mux.MatchSRTCP.
func isSRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}

// deliver is called by Router.dispatch with a datagram already known to
// belong to this pair.
func (c *PairConn) deliver(class Class, buf []byte) {
	var ep *Endpoint
	switch {
	case class == ClassDTLS:
		ep = c.dtls
	case isSRTCP(buf):
		ep = c.srtcp
	default:
		ep = c.srtp
	}
	if _, err := ep.buffer.Write(buf); err != nil {
		c.router.log.Warnf("mux: dropping datagram for %s: %v", c.remote, err)
	}
}

// RemoteAddr returns the pair's remote address.
func (c *PairConn) RemoteAddr() net.Addr { return c.remote }

// Close closes all three endpoints and unregisters the pair from the
// router.
func (c *PairConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.dtls.buffer.Close()
		if e := c.srtp.buffer.Close(); err == nil {
			err = e
		}
		if e := c.srtcp.buffer.Close(); err == nil {
			err = e
		}
		c.router.removePair(c.remote)
	})
	return err
}

// Endpoint is a net.Conn view of one plane of a pair's traffic.
type Endpoint struct {
	pc     *PairConn
	buffer *packetio.Buffer
}

func newEndpoint(pc *PairConn) *Endpoint {
	buf := packetio.NewBuffer()
	buf.SetLimitSize(maxBufferSize)
	return &Endpoint{pc: pc, buffer: buf}
}

// Read implements net.Conn.
func (e *Endpoint) Read(p []byte) (int, error) { return e.buffer.Read(p) }

// Write implements net.Conn, sending on the router's shared socket to
// this pair's remote address.
func (e *Endpoint) Write(p []byte) (int, error) {
	return e.pc.router.conn.WriteToUDP(p, e.pc.remote)
}

// Close closes this endpoint's buffer only; the pair stays registered
// until PairConn.Close.
func (e *Endpoint) Close() error { return e.buffer.Close() }

func (e *Endpoint) LocalAddr() net.Addr  { return e.pc.router.conn.LocalAddr() }
func (e *Endpoint) RemoteAddr() net.Addr { return e.pc.remote }

func (e *Endpoint) SetDeadline(t time.Time) error     { return e.buffer.SetReadDeadline(t) }
func (e *Endpoint) SetReadDeadline(t time.Time) error { return e.buffer.SetReadDeadline(t) }
func (e *Endpoint) SetWriteDeadline(time.Time) error  { return nil }
