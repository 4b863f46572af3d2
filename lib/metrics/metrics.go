// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports the roomserver's counters and latencies in
// the Prometheus text format.
//
// A [Metrics] value implements the observer interfaces of the packages
// it watches (stateres.Observer, roomgraph.Observer and the federation
// send and receive observers), so wiring is a matter of passing it in
// each config. Collectors live on the registry of the Metrics value,
// never on the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/roomserver/lib/federation"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
	"github.com/bureau-foundation/roomserver/lib/stateres"
)

const namespace = "roomserver"

// Buckets for admission and resolution latency: from a cache hit to a
// resolution that had to load a large auth chain.
var latencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	admissions        *prometheus.CounterVec
	admissionDuration prometheus.Histogram
	fetches           *prometheus.CounterVec

	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec

	transactionsSent  *prometheus.CounterVec
	pdusSent          prometheus.Counter
	transactionsRecvd *prometheus.CounterVec
}

var (
	_ stateres.Observer          = (*Metrics)(nil)
	_ roomgraph.Observer         = (*Metrics)(nil)
	_ federation.SendObserver    = (*Metrics)(nil)
	_ federation.ReceiveObserver = (*Metrics)(nil)
)

// New creates the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roomgraph",
			Name:      "admissions_total",
			Help:      "Events run through admission, by outcome.",
		}, []string{"outcome"}),
		admissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "roomgraph",
			Name:      "admission_duration_seconds",
			Help:      "Time to admit one event, excluding time queued behind other events of the room.",
			Buckets:   latencyBuckets,
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roomgraph",
			Name:      "fetches_total",
			Help:      "Missing events fetched from remote servers, by result.",
		}, []string{"result"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stateres",
			Name:      "resolutions_total",
			Help:      "State resolutions, by how they were answered.",
		}, []string{"outcome"}),
		resolutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stateres",
			Name:      "resolution_duration_seconds",
			Help:      "Time to resolve a set of states.",
			Buckets:   latencyBuckets,
		}, []string{"outcome"}),
		transactionsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "transactions_sent_total",
			Help:      "Outbound transaction attempts, by result.",
		}, []string{"result"}),
		pdusSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "pdus_sent_total",
			Help:      "PDUs in successfully delivered transactions.",
		}),
		transactionsRecvd: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "transactions_received_total",
			Help:      "Inbound transactions, by how they were handled.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.admissions,
		m.admissionDuration,
		m.fetches,
		m.resolutions,
		m.resolutionDuration,
		m.transactionsSent,
		m.pdusSent,
		m.transactionsRecvd,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchDegradedOrigins exports how many origins the room graph is
// currently rate limiting.
func (m *Metrics) WatchDegradedOrigins(manager *roomgraph.Manager) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "roomgraph",
		Name:      "degraded_origins",
		Help:      "Origins currently degraded for sending bad events.",
	}, func() float64 {
		return float64(len(manager.DegradedOrigins()))
	}))
}

// WatchSender exports the outbound queue depth and the number of
// abandoned destinations.
func (m *Metrics) WatchSender(sender *federation.Sender) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "queued_pdus",
			Help:      "PDUs waiting for delivery across all destinations.",
		}, func() float64 {
			var queued int
			for _, status := range sender.Status() {
				queued += status.Queued
			}
			return float64(queued)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "abandoned_destinations",
			Help:      "Destinations whose queue was dropped after exhausting retries and that nothing was sent to since.",
		}, func() float64 {
			var abandoned int
			for _, status := range sender.Status() {
				if !status.AbandonedUntil.IsZero() {
					abandoned++
				}
			}
			return float64(abandoned)
		}),
	)
}

// ObserveAdmission implements roomgraph.Observer.
func (m *Metrics) ObserveAdmission(outcome roomgraph.Outcome, elapsed time.Duration) {
	m.admissions.WithLabelValues(string(outcome)).Inc()
	m.admissionDuration.Observe(elapsed.Seconds())
}

// ObserveFetch implements roomgraph.Observer.
func (m *Metrics) ObserveFetch(err error) {
	m.fetches.WithLabelValues(result(err)).Inc()
}

// ObserveResolution implements stateres.Observer.
func (m *Metrics) ObserveResolution(outcome stateres.Outcome, elapsed time.Duration) {
	m.resolutions.WithLabelValues(string(outcome)).Inc()
	m.resolutionDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// ObserveSend implements federation.SendObserver. Destinations are
// not a label: a busy server talks to thousands.
func (m *Metrics) ObserveSend(_ ref.ServerName, pdus int, err error) {
	m.transactionsSent.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.pdusSent.Add(float64(pdus))
	}
}

// ObserveReceive implements federation.ReceiveObserver.
func (m *Metrics) ObserveReceive(_ ref.ServerName, outcome federation.ReceiveOutcome) {
	m.transactionsRecvd.WithLabelValues(string(outcome)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
