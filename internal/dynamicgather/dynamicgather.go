// Package dynamicgather sketches an alternative "dynamic" per-session-port
// ICE variant, grounded on original_source/ov_ice_proxy_generic.c /
// ov_ice_proxy_dynamic.c: one UDP socket per stream, drawn from a
// configured port range, with server-reflexive and relayed candidates
// gathered from configured STUN/TURN servers before the offer is built
// — instead of this gateway's default single shared external socket.
//
// It is deliberately not wired into internal/proxy's default flow: the
// core system is scoped to the shared-socket model, and the
// pair/DTLS/SRTP contracts apply unchanged to whichever candidate this
// package hands the session engine. A host process that
// wants the dynamic variant constructs a Gatherer and advertises its
// Gather result's Candidates (reading media on its Conn) in place of the
// static host candidate internal/proxy puts in its offer;
// session.NewStream itself takes no candidate.
package dynamicgather

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"

	"github.com/mediabridge/iceproxy/internal/candidate"
	"github.com/mediabridge/iceproxy/internal/config"
	"github.com/mediabridge/iceproxy/internal/ovrerr"
)

// Gatherer allocates one per-stream UDP socket from a configured port
// range and discovers its server-reflexive (and, when TURN servers are
// configured, relayed) candidates.
type Gatherer struct {
	portRange     config.PortRange
	stunServers   []config.TurnServer
	turnServers   []config.TurnServer
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	nextPort uint16
}

// New builds a Gatherer from the dynamic-variant slice of Config
// (port_range/stun_servers/turn_servers).
func New(cfg *config.Config, loggerFactory logging.LoggerFactory) (*Gatherer, error) {
	if cfg.PortRange == nil {
		return nil, &ovrerr.ConfigInvalid{Err: fmt.Errorf("dynamicgather: port_range is required")}
	}
	if cfg.PortRange.Min == 0 || cfg.PortRange.Max < cfg.PortRange.Min {
		return nil, &ovrerr.ConfigInvalid{Err: fmt.Errorf("dynamicgather: invalid port_range %+v", *cfg.PortRange)}
	}
	return &Gatherer{
		portRange:     *cfg.PortRange,
		stunServers:   cfg.STUNServers,
		turnServers:   cfg.TURNServers,
		loggerFactory: loggerFactory,
		log:           loggerFactory.NewLogger("dynamicgather"),
		nextPort:      cfg.PortRange.Min,
	}, nil
}

// Result is one stream's gathered socket plus every candidate discovered
// on it, host first (candidate ordering is by priority; the caller
// re-sorts after adding these to a checklist).
type Result struct {
	Conn       *net.UDPConn
	Candidates []*candidate.Candidate
}

// Gather opens the next free port in the configured range, always adds
// the resulting host candidate, and attempts server-reflexive discovery
// against every configured STUN server and relayed allocation against
// every configured TURN server, tolerating individual failures (a
// gateway deployed with only some of its upstream servers reachable
// should still offer whatever candidates it could gather).
func (g *Gatherer) Gather(ctx context.Context, localHost string) (*Result, error) {
	conn, port, err := g.listenNextPort(localHost)
	if err != nil {
		return nil, err
	}

	foundation := fmt.Sprintf("dyn%d", port)
	res := &Result{
		Conn: conn,
		Candidates: []*candidate.Candidate{
			candidate.New(foundation, candidate.Host, localHost, port),
		},
	}

	for _, srv := range g.stunServers {
		c, err := g.gatherServerReflexive(ctx, conn, srv)
		if err != nil {
			g.log.Warnf("dynamicgather: stun server %s unreachable: %v", srv.URL, err)
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}

	for _, srv := range g.turnServers {
		c, err := g.gatherRelayed(ctx, conn, srv)
		if err != nil {
			g.log.Warnf("dynamicgather: turn server %s unreachable: %v", srv.URL, err)
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}

	return res, nil
}

// listenNextPort binds the next candidate port in the configured range,
// wrapping around once and giving up if every port is taken.
func (g *Gatherer) listenNextPort(localHost string) (*net.UDPConn, int, error) {
	span := int(g.portRange.Max) - int(g.portRange.Min) + 1
	for i := 0; i < span; i++ {
		port := g.nextPort
		g.nextPort++
		if g.nextPort > g.portRange.Max {
			g.nextPort = g.portRange.Min
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(localHost), Port: int(port)})
		if err == nil {
			return conn, int(port), nil
		}
	}
	return nil, 0, &ovrerr.ResourceExhausted{Err: fmt.Errorf("dynamicgather: no free port in %d-%d", g.portRange.Min, g.portRange.Max)}
}

// gatherServerReflexive sends a plain STUN Binding Request (no ICE
// attributes) to srv over conn and turns the XOR-MAPPED-ADDRESS
// response into a server-reflexive candidate, grounded on the same
// request/response shape internal/stunmsg uses for ICE connectivity
// checks, but unauthenticated per RFC 5389 §10.
func (g *Gatherer) gatherServerReflexive(ctx context.Context, conn *net.UDPConn, srv config.TurnServer) (*candidate.Candidate, error) {
	stunAddr, err := net.ResolveUDPAddr("udp", srv.URL)
	if err != nil {
		return nil, err
	}

	txID := stun.NewTransactionID()
	msg := new(stun.Message)
	msg.SetType(stun.NewType(stun.MethodBinding, stun.ClassRequest))
	msg.TransactionID = txID
	msg.WriteHeader()
	if err := stun.Fingerprint.AddTo(msg); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.WriteToUDP(msg.Raw, stunAddr); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}

	resp := &stun.Message{Raw: append([]byte{}, buf[:n]...)}
	if err := resp.Decode(); err != nil {
		return nil, err
	}
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err != nil {
		return nil, err
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	return &candidate.Candidate{
		Foundation:  fmt.Sprintf("srflx%d", local.Port),
		Component:   1,
		Transport:   "udp",
		Priority:    candidate.Priority(candidate.ServerReflexive),
		Address:     xorAddr.IP.String(),
		Port:        xorAddr.Port,
		Type:        candidate.ServerReflexive,
		RelatedAddr: local.IP.String(),
		RelatedPort: local.Port,
	}, nil
}

// gatherRelayed allocates a relay transport address on srv via
// github.com/pion/turn/v4's Client and reports it as a relayed
// candidate. The allocation itself is left open on the returned
// *turn.Client stored nowhere here: a full dynamic-variant
// implementation would need to keep it alive for the session's
// lifetime and periodically refresh it, which is out of scope for this
// sketch — it only needs to show relayed gathering is possible, not
// own the TURN allocation's lifecycle.
func (g *Gatherer) gatherRelayed(ctx context.Context, conn *net.UDPConn, srv config.TurnServer) (*candidate.Candidate, error) {
	cl, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: srv.URL,
		TURNServerAddr: srv.URL,
		Conn:           conn,
		Username:       srv.Username,
		Password:       srv.Password,
		LoggerFactory:  g.loggerFactory,
	})
	if err != nil {
		return nil, err
	}
	if err := cl.Listen(); err != nil {
		cl.Close()
		return nil, err
	}

	relayConn, err := cl.Allocate()
	if err != nil {
		cl.Close()
		return nil, err
	}

	relayAddr, ok := relayConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		cl.Close()
		return nil, fmt.Errorf("dynamicgather: unexpected relay address type %T", relayConn.LocalAddr())
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	return &candidate.Candidate{
		Foundation:  fmt.Sprintf("relay%d", relayAddr.Port),
		Component:   1,
		Transport:   "udp",
		Priority:    candidate.Priority(candidate.Relayed),
		Address:     relayAddr.IP.String(),
		Port:        relayAddr.Port,
		Type:        candidate.Relayed,
		RelatedAddr: local.IP.String(),
		RelatedPort: local.Port,
	}, nil
}
