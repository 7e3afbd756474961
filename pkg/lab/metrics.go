package lab

import "github.com/prometheus/client_golang/prometheus"

const (
	BootMatched   = "matched"
	BootUnknown   = "unknown"
	BootDuplicate = "duplicate"
	BootMalformed = "malformed"
	BootTimeout   = "timeout"
	BootExited    = "exited"
)

type Metrics struct {
	MetricNodeStarted       *prometheus.GaugeVec
	MetricBootDurationMS    *prometheus.GaugeVec
	MetricBootNotifications *prometheus.CounterVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MetricNodeStarted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vlab", Subsystem: "lab", Name: "node_started", Help: "Node started"}, []string{"node", "kind"}),
		MetricBootDurationMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vlab", Subsystem: "lab", Name: "boot_duration_ms", Help: "Time from VM start to boot notification in ms"}, []string{"vm"}),
		MetricBootNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vlab", Subsystem: "lab", Name: "boot_notifications", Help: "Boot notifications by result"}, []string{"result"}),
	}

	reg.MustRegister(m.MetricNodeStarted, m.MetricBootDurationMS, m.MetricBootNotifications)

	return m
}
