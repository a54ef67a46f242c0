// Package metrics instruments NAKACK, FLUSH and the Group Request
// dispatcher with github.com/prometheus/client_golang, grounded on the
// pack's network-layer instrumentation examples (runZeroInc-sockstats,
// linkerd-linkerd2), both of which expose client_golang counters/gauges
// for their transport/connection layers. The teacher's own
// prometheus/common dependency (its core.Transport log shim) lives on in
// pkg/vsync/transport's fallback logger instead.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this stack exports. A nil *Registry is
// valid everywhere it's used -- callers that don't want metrics simply
// pass nil, and every recording method below is a no-op in that case.
type Registry struct {
	RetransmitRequests prometheus.Counter
	StabilityGCLag      prometheus.Gauge
	FlushDuration        prometheus.Histogram
	GroupRequestDuration prometheus.Histogram
	WindowGaps          prometheus.Counter
}

// NewRegistry builds and registers a fresh metric set on reg. Passing a
// brand-new prometheus.NewRegistry() keeps tests isolated from the global
// default registry. A nil reg builds the metrics without registering them
// anywhere, for callers that want the recording calls below to stay safe
// without standing up a registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RetransmitRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vsync",
			Subsystem: "nakack",
			Name:      "retransmit_requests_total",
			Help:      "Number of XMIT_REQ messages issued.",
		}),
		StabilityGCLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vsync",
			Subsystem: "nakack",
			Name:      "stability_gc_lag",
			Help:      "Configured gcLag applied on the last STABLE pass.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vsync",
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Time from SUSPEND to SUSPEND_OK.",
			Buckets:   prometheus.DefBuckets,
		}),
		GroupRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vsync",
			Subsystem: "grouprequest",
			Name:      "completion_seconds",
			Help:      "Time from send to completion condition being satisfied.",
			Buckets:   prometheus.DefBuckets,
		}),
		WindowGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vsync",
			Subsystem: "window",
			Name:      "gaps_detected_total",
			Help:      "Number of gaps opened in a sender window.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.RetransmitRequests, r.StabilityGCLag, r.FlushDuration, r.GroupRequestDuration, r.WindowGaps)
	}
	return r
}

func (r *Registry) IncRetransmitRequests() {
	if r == nil {
		return
	}
	r.RetransmitRequests.Inc()
}

func (r *Registry) SetStabilityGCLag(lag float64) {
	if r == nil {
		return
	}
	r.StabilityGCLag.Set(lag)
}

func (r *Registry) ObserveFlushDuration(seconds float64) {
	if r == nil {
		return
	}
	r.FlushDuration.Observe(seconds)
}

func (r *Registry) ObserveGroupRequestDuration(seconds float64) {
	if r == nil {
		return
	}
	r.GroupRequestDuration.Observe(seconds)
}

func (r *Registry) IncWindowGaps() {
	if r == nil {
		return
	}
	r.WindowGaps.Inc()
}
