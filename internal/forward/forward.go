// Package forward implements the post-handshake SRTP forwarding plane:
// once a pair completes its DTLS handshake, its
// extracted keying material is installed into a pion/srtp/v3 session
// pair, and decrypted peer RTP is fanned out to every attached "loop" —
// a downstream multi-unicast mixer process reachable by plain UDP —
// while RTP written by that mixer onto this stream's internal socket is
// encrypted and sent to the peer. Grounded on the teacher's
// dtlstransport.go startSRTP/getSRTPSession pattern
// (github.com/pion/webrtc), generalized from a per-PeerConnection
// SRTP/SRTCP pair to this gateway's one-SSRC-per-stream forwarding model.
package forward

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/srtp/v3"

	"github.com/mediabridge/iceproxy/internal/ovrerr"
)

// Target names a downstream loop sink, or this stream's own internal
// socket, as a host/port/ssrc triple, grounded on original_source's
// ov_ice_proxy_vocs_stream_forward_data.
type Target struct {
	SSRC uint32
	Host string
	Port int
}

func (t Target) Valid() bool {
	return t.Host != "" && t.Port != 0
}

func (t Target) udpAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", t.Host, t.Port))
}

// Session wraps one pair's SRTP and SRTCP sessions, keyed off the DTLS
// connection's exported keying material, and relays RTP between the
// peer and this stream's internal socket, rewriting SSRC and payload
// type as it goes so every consumer sees a stable identity for the
// stream regardless of direction.
type Session struct {
	srtp  *srtp.SessionSRTP
	srtcp *srtp.SessionSRTCP

	readStream  *srtp.ReadStreamSRTP
	writeStream *srtp.WriteStreamSRTP

	internalConn *net.UDPConn

	localSSRC  uint32
	remoteSSRC uint32
	payloadFmt byte

	log logging.LeveledLogger

	mu    sync.Mutex
	loops map[string]*net.UDPAddr

	onPacket func(direction string, n int)

	closeOnce sync.Once
}

// dtlsKeyingMaterialExporter adapts *dtls.Conn to srtp.KeyingMaterialExporter:
// pion/dtls moved ExportKeyingMaterial onto the handshake State returned by
// Conn.ConnectionState() rather than Conn itself.
type dtlsKeyingMaterialExporter struct {
	conn *dtls.Conn
}

func (d dtlsKeyingMaterialExporter) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state, ok := d.conn.ConnectionState()
	if !ok {
		return nil, fmt.Errorf("dtls handshake not complete")
	}
	return state.ExportKeyingMaterial(label, context, length)
}

// NewSession extracts SRTP keying material from a completed DTLS
// connection, opens the read/write streams for this stream's single
// SSRC pair, and starts the peer-to-internal-socket relay goroutine.
// rtpEndpoint and rtcpEndpoint are the net.Conns carrying the pair's
// demultiplexed SRTP and SRTCP datagrams (mux.PairConn's SRTP/SRTCP
// endpoints); internalConn is this stream's own per-session internal
// UDP socket.
func NewSession(conn *dtls.Conn, rtpEndpoint, rtcpEndpoint net.Conn, profile srtp.ProtectionProfile, isClient bool, localSSRC, remoteSSRC uint32, payloadFmt int, internalConn *net.UDPConn, loggerFactory logging.LoggerFactory) (*Session, error) {
	cfg := &srtp.Config{
		Profile:       profile,
		LoggerFactory: loggerFactory,
	}
	if err := cfg.ExtractSessionKeysFromDTLS(dtlsKeyingMaterialExporter{conn}, isClient); err != nil {
		return nil, &ovrerr.SrtpKeyInstallFailed{Err: err}
	}

	srtpSession, err := srtp.NewSessionSRTP(rtpEndpoint, cfg)
	if err != nil {
		return nil, &ovrerr.SrtpKeyInstallFailed{Err: err}
	}
	srtcpSession, err := srtp.NewSessionSRTCP(rtcpEndpoint, cfg)
	if err != nil {
		return nil, &ovrerr.SrtpKeyInstallFailed{Err: err}
	}

	readStream, err := srtpSession.OpenReadStream(remoteSSRC)
	if err != nil {
		_ = srtpSession.Close()
		_ = srtcpSession.Close()
		return nil, &ovrerr.SrtpKeyInstallFailed{Err: err}
	}
	writeStream, err := srtpSession.OpenWriteStream()
	if err != nil {
		_ = srtpSession.Close()
		_ = srtcpSession.Close()
		return nil, &ovrerr.SrtpKeyInstallFailed{Err: err}
	}

	s := &Session{
		srtp:         srtpSession,
		srtcp:        srtcpSession,
		readStream:   readStream,
		writeStream:  writeStream,
		internalConn: internalConn,
		localSSRC:    localSSRC,
		remoteSSRC:   remoteSSRC,
		payloadFmt:   byte(payloadFmt & 0x7f),
		log:          loggerFactory.NewLogger("forward"),
		loops:        map[string]*net.UDPAddr{},
	}

	go s.relayPeerToLoops()
	go s.relayInternalToPeer()
	return s, nil
}

// OnPacket installs a callback invoked after every successfully
// forwarded packet (direction "peer_to_loop" or "loop_to_peer"), used to
// drive internal/metrics.Registry.SrtpPacketsTotal/SrtpBytesTotal.
func (s *Session) OnPacket(f func(direction string, n int)) { s.onPacket = f }

// AttachLoop adds or updates a named loop's fan-out address (the
// control plane's talk(on=true)). Re-attaching the same name replaces
// its address.
func (s *Session) AttachLoop(name string, target Target) error {
	if !target.Valid() {
		return &ovrerr.InternalInvariant{Err: fmt.Errorf("forward target incomplete: %+v", target)}
	}
	addr, err := target.udpAddr()
	if err != nil {
		return &ovrerr.InternalInvariant{Err: err}
	}
	s.mu.Lock()
	s.loops[name] = addr
	s.mu.Unlock()
	return nil
}

// DetachLoop removes a named loop from the fan-out table (the control
// plane's talk(on=false)). Detaching an unknown name is a no-op.
func (s *Session) DetachLoop(name string) {
	s.mu.Lock()
	delete(s.loops, name)
	s.mu.Unlock()
}

// Detach removes every attached loop.
func (s *Session) Detach() {
	s.mu.Lock()
	s.loops = map[string]*net.UDPAddr{}
	s.mu.Unlock()
}

// relayPeerToLoops copies decrypted RTP arriving from the peer onto
// every attached loop address, rewriting the SSRC to this stream's
// local SSRC so every consumer sees a stable identifier regardless of
// what the peer actually sent. RTCP is never read here since only the
// RTP read stream is opened: SR/RR/SDES/BYE/APP are dropped by
// construction.
func (s *Session) relayPeerToLoops() {
	buf := make([]byte, 1500)
	for {
		n, err := s.readStream.Read(buf)
		if err != nil {
			return
		}
		if n < 12 {
			continue
		}
		rewriteSSRC(buf[:n], s.localSSRC)

		s.mu.Lock()
		targets := make([]*net.UDPAddr, 0, len(s.loops))
		for _, a := range s.loops {
			targets = append(targets, a)
		}
		s.mu.Unlock()

		for _, addr := range targets {
			n2, err := s.internalConn.WriteToUDP(buf[:n], addr)
			if err != nil {
				continue
			}
			if s.onPacket != nil {
				s.onPacket("peer_to_loop", n2)
			}
		}
	}
}

// relayInternalToPeer copies plain RTP arriving on this stream's
// internal socket (from the downstream loop mixer), rewrites its SSRC
// and payload-type fields to this stream's configured values, encrypts
// it, and sends it to the peer.
func (s *Session) relayInternalToPeer() {
	buf := make([]byte, 1500)
	for {
		n, _, err := s.internalConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 12 {
			continue
		}
		rewriteSSRC(buf[:n], s.localSSRC)
		overwritePayloadType(buf[:n], s.payloadFmt)

		n2, err := s.writeStream.Write(buf[:n])
		if err != nil {
			return
		}
		if s.onPacket != nil {
			s.onPacket("loop_to_peer", n2)
		}
	}
}

// rewriteSSRC overwrites the 4-byte RTP SSRC field (header bytes 8..11)
// with ssrc in network order.
func rewriteSSRC(pkt []byte, ssrc uint32) {
	if len(pkt) < 12 {
		return
	}
	binary.BigEndian.PutUint32(pkt[8:12], ssrc)
}

// overwritePayloadType sets the low 7 bits of RTP header byte 1 (the
// payload-type field) to pt, preserving the marker bit.
func overwritePayloadType(pkt []byte, pt byte) {
	if len(pkt) < 2 {
		return
	}
	pkt[1] = (pkt[1] & 0x80) | (pt & 0x7f)
}

// Close tears down the SRTP/SRTCP sessions, the internal socket, and
// every attached loop. Safe to call more than once.
func (s *Session) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.Detach()
		if s.internalConn != nil {
			_ = s.internalConn.Close()
		}
		if s.srtp != nil {
			if err := s.srtp.Close(); err != nil {
				firstErr = err
			}
		}
		if s.srtcp != nil {
			if err := s.srtcp.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
