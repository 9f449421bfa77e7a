// Package metrics exposes this gateway's Prometheus instrumentation:
// session/pair counts by state, STUN traffic, DTLS handshake outcomes,
// and SRTP forwarding volume.
// github.com/prometheus/client_golang is pulled in the same way the
// retrieval pack's own signalling server (saljam-webwormhole) pins it as
// a direct dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric this gateway emits. Construct one per
// process with NewRegistry and pass it down to internal/proxy, which is
// the only package that actually drives the counters.
type Registry struct {
	SessionsByState *prometheus.GaugeVec
	PairsByState    *prometheus.GaugeVec

	StunRequestsTotal  *prometheus.CounterVec
	StunResponsesTotal *prometheus.CounterVec
	RoleConflictsTotal prometheus.Counter

	DtlsHandshakesTotal *prometheus.CounterVec

	SrtpPacketsTotal *prometheus.CounterVec
	SrtpBytesTotal   *prometheus.CounterVec
}

// NewRegistry registers every metric against reg (pass
// prometheus.NewRegistry() for tests, or prometheus.DefaultRegisterer in
// production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		SessionsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iceproxy",
			Name:      "sessions",
			Help:      "Current number of ICE sessions by overall state.",
		}, []string{"state"}),
		PairsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iceproxy",
			Name:      "candidate_pairs",
			Help:      "Current number of checklist pairs by state.",
		}, []string{"state"}),
		StunRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iceproxy",
			Name:      "stun_requests_total",
			Help:      "STUN binding requests processed, by class (check/nomination).",
		}, []string{"class"}),
		StunResponsesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iceproxy",
			Name:      "stun_responses_total",
			Help:      "STUN binding responses sent, by class (success/error).",
		}, []string{"class"}),
		RoleConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "iceproxy",
			Name:      "stun_role_conflicts_total",
			Help:      "STUN 487 role-conflict responses sent.",
		}),
		DtlsHandshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iceproxy",
			Name:      "dtls_handshakes_total",
			Help:      "DTLS handshakes completed, by outcome (success/failure).",
		}, []string{"outcome"}),
		SrtpPacketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iceproxy",
			Name:      "srtp_packets_total",
			Help:      "SRTP packets forwarded, by direction (peer_to_loop/loop_to_peer).",
		}, []string{"direction"}),
		SrtpBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iceproxy",
			Name:      "srtp_bytes_total",
			Help:      "SRTP bytes forwarded, by direction.",
		}, []string{"direction"}),
	}
}

// SetSessionState moves one unit of the session gauge from prev to next
// (no-op for the initial observation, when prev == "").
func (r *Registry) SetSessionState(prev, next string) {
	if prev != "" {
		r.SessionsByState.WithLabelValues(prev).Dec()
	}
	r.SessionsByState.WithLabelValues(next).Inc()
}

// SetPairState mirrors SetSessionState for checklist pairs.
func (r *Registry) SetPairState(prev, next string) {
	if prev != "" {
		r.PairsByState.WithLabelValues(prev).Dec()
	}
	r.PairsByState.WithLabelValues(next).Inc()
}
