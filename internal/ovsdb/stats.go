// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "torsync"
	subsystem = "ovsdb"
)

var stats = metrics{
	transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transactions_total",
		Help:      "Number of transactions submitted to the device, per table and operation",
	}, []string{
		"table",
		"op",
	}),

	failures: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transaction_failures_total",
		Help:      "Number of transactions the device failed or that could not be sent",
	}, []string{
		"table",
	}),

	dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "notifications_dropped_total",
		Help:      "Number of device notifications that matched no entry",
	}, []string{
		"table",
	}),

	entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "entries",
		Help:      "Number of entries per table and state",
	}, []string{
		"table",
		"state",
	}),
}

type metrics struct {
	transactions *prometheus.CounterVec
	failures     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	entries      *prometheus.GaugeVec
}

func init() {
	prometheus.MustRegister(stats.transactions)
	prometheus.MustRegister(stats.failures)
	prometheus.MustRegister(stats.dropped)
	prometheus.MustRegister(stats.entries)
}

func (m *metrics) transactionSubmitted(k Kind, op Op) {
	m.transactions.WithLabelValues(k.String(), op.String()).Inc()
}

func (m *metrics) transactionFailed(k Kind) {
	m.failures.WithLabelValues(k.String()).Inc()
}

func (m *metrics) notificationDropped(t RemoteTable) {
	m.dropped.WithLabelValues(string(t)).Inc()
}

func (m *metrics) entryAdded(k Kind, s State) {
	m.entries.WithLabelValues(k.String(), s.String()).Inc()
}

func (m *metrics) entryRemoved(k Kind, s State) {
	m.entries.WithLabelValues(k.String(), s.String()).Dec()
}

func (m *metrics) entryMoved(k Kind, from, to State) {
	m.entryRemoved(k, from)
	m.entryAdded(k, to)
}

func (m *metrics) forgetTable(k Kind) {
	m.entries.DeletePartialMatch(prometheus.Labels{"table": k.String()})
}
