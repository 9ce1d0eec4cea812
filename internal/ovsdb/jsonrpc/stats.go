// SPDX-License-Identifier:Apache-2.0

package jsonrpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "torsync"
	subsystem = "device"
)

var stats = metrics{
	sessionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "session_up",
		Help:      "Device session state (1 is up, 0 is down)",
	}, []string{"device"}),

	requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_sent_total",
		Help:      "Number of requests sent to the device, per method",
	}, []string{"device", "method"}),

	requestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_received_total",
		Help:      "Number of requests and notifications received from the device, per method",
	}, []string{"device", "method"}),
}

type metrics struct {
	sessionUp        *prometheus.GaugeVec
	requestsSent     *prometheus.CounterVec
	requestsReceived *prometheus.CounterVec
}

func init() {
	prometheus.MustRegister(stats.sessionUp)
	prometheus.MustRegister(stats.requestsSent)
	prometheus.MustRegister(stats.requestsReceived)
}

func (m *metrics) NewSession(addr string) {
	m.sessionUp.WithLabelValues(addr).Set(0)
}

func (m *metrics) SessionUp(addr string) {
	m.sessionUp.WithLabelValues(addr).Set(1)
}

func (m *metrics) SessionDown(addr string) {
	m.sessionUp.WithLabelValues(addr).Set(0)
}

func (m *metrics) RequestSent(addr, method string) {
	m.requestsSent.WithLabelValues(addr, method).Inc()
}

func (m *metrics) RequestReceived(addr, method string) {
	m.requestsReceived.WithLabelValues(addr, method).Inc()
}
