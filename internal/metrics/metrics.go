// Package metrics exposes Prometheus collectors for the decision service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifyd"

// Metrics holds the service collectors on a private registry.
//
// All Record* methods are safe on a nil *Metrics so components can run without metrics.
type Metrics struct {
	reg *prometheus.Registry

	DecisionsTotal     *prometheus.CounterVec
	ReasonCodesTotal   *prometheus.CounterVec
	DecisionDuration   prometheus.Histogram
	AdvisoryTotal      *prometheus.CounterVec
	RuleReloadsTotal   *prometheus.CounterVec
	RulesVersion       prometheus.Gauge
	DeferredDispatched *prometheus.CounterVec
	RetentionPruned    *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions made, by action.",
		}, []string{"action"}),
		ReasonCodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reason_codes_total",
			Help:      "Reason codes attached to decisions.",
		}, []string{"code"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "End-to-end decision latency including history reads and writes.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		AdvisoryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisory_results_total",
			Help:      "Advisory scorer outcomes, by reason.",
		}, []string{"reason"}),
		RuleReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Rule file reload attempts, by result.",
		}, []string{"result"}),
		RulesVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_version",
			Help:      "Version of the active rule file.",
		}),
		DeferredDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_dispatched_total",
			Help:      "Deferred notifications handed to the sink, by result.",
		}, []string{"result"}),
		RetentionPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_pruned_rows_total",
			Help:      "Rows removed by retention, by table.",
		}, []string{"table"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DecisionsTotal,
		m.ReasonCodesTotal,
		m.DecisionDuration,
		m.AdvisoryTotal,
		m.RuleReloadsTotal,
		m.RulesVersion,
		m.DeferredDispatched,
		m.RetentionPruned,
		m.HTTPRequestsTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) RecordDecision(action string, codes []string, advisoryReason string, took time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(action).Inc()
	for _, c := range codes {
		m.ReasonCodesTotal.WithLabelValues(c).Inc()
	}
	if advisoryReason != "" {
		m.AdvisoryTotal.WithLabelValues(advisoryReason).Inc()
	}
	m.DecisionDuration.Observe(took.Seconds())
}

func (m *Metrics) RecordRuleReload(ok bool, version int) {
	if m == nil {
		return
	}
	if !ok {
		m.RuleReloadsTotal.WithLabelValues("rejected").Inc()
		return
	}
	m.RuleReloadsTotal.WithLabelValues("ok").Inc()
	m.RulesVersion.Set(float64(version))
}

func (m *Metrics) RecordDispatch(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.DeferredDispatched.WithLabelValues("ok").Inc()
	} else {
		m.DeferredDispatched.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) RecordPrune(fingerprints, audit, deferred int64) {
	if m == nil {
		return
	}
	m.RetentionPruned.WithLabelValues("fingerprints").Add(float64(fingerprints))
	m.RetentionPruned.WithLabelValues("audit").Add(float64(audit))
	m.RetentionPruned.WithLabelValues("deferred").Add(float64(deferred))
}

func (m *Metrics) RecordHTTP(route string, code string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, code).Inc()
}
