// Package metrics holds the process-wide Prometheus collectors for the
// Stream Registry and the Manager Router. A single Metrics value is
// constructed at startup and passed explicitly to the components that
// update it; nothing here is a package-level global.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector exposed by a node or a manager.
// Node-only and manager-only collectors are always registered; the
// unused half simply never gets incremented.
type Metrics struct {
	Registry *prometheus.Registry

	StreamsTotal      prometheus.Gauge
	PublishersTotal   prometheus.Gauge
	SubscribersTotal  prometheus.Gauge
	CascadesOutTotal  prometheus.Gauge
	CascadesInTotal   prometheus.Gauge
	DataBusDropsTotal prometheus.Counter
	KeyframeReqsTotal prometheus.Counter

	ManagerNodesTotal  prometheus.Gauge
	ManagerProxyErrors prometheus.Counter
	ManagerCollapses   prometheus.Counter
}

// New registers and returns a fresh Metrics bundle on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		StreamsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_streams_total", Help: "Number of live streams.",
		}),
		PublishersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_publishers_total", Help: "Number of attached publishers.",
		}),
		SubscribersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_subscribers_total", Help: "Number of attached subscribers.",
		}),
		CascadesOutTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_cascades_out_total", Help: "Number of active outbound (push) cascades.",
		}),
		CascadesInTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_cascades_in_total", Help: "Number of active inbound (pull/reforward) cascades.",
		}),
		DataBusDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sfu_databus_drops_total", Help: "Data-channel bus messages dropped due to overflow.",
		}),
		KeyframeReqsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sfu_keyframe_requests_total", Help: "PLI/FIR keyframe requests sent upstream.",
		}),
		ManagerNodesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_manager_nodes_total", Help: "Nodes known to the manager directory.",
		}),
		ManagerProxyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sfu_manager_proxy_errors_total", Help: "Errors proxying WHIP/WHEP to a node.",
		}),
		ManagerCollapses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sfu_manager_cascade_collapses_total", Help: "Cascade trees collapsed by the manager.",
		}),
	}

	reg.MustRegister(
		m.StreamsTotal, m.PublishersTotal, m.SubscribersTotal,
		m.CascadesOutTotal, m.CascadesInTotal, m.DataBusDropsTotal,
		m.KeyframeReqsTotal,
		m.ManagerNodesTotal, m.ManagerProxyErrors, m.ManagerCollapses,
	)
	return m
}
