// Package metrics records run, probe and feature-store activity with Prometheus.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Recorder is the observability sink shared by the orchestrator, registry and gateway.
type Recorder interface {
	RunStarted(provider string)
	RunEnded(provider, outcome string)
	ObserveTurn(provider, model, outcome string, duration time.Duration)
	EventPublished(eventType string)
	ObserveProbe(provider, probe string, ok bool, duration time.Duration)
	FeatureUpdate(outcome string)
	FeatureRestored()
}

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeStopped  = "stopped"
	OutcomeRejected = "rejected"
)

// PrometheusRecorder implements Recorder on a private registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	runsActive      *prometheus.GaugeVec
	runsTotal       *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	eventsTotal     *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	featureUpdates  *prometheus.CounterVec
	featureRestores prometheus.Counter
}

// NewPrometheusRecorder creates a recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		runsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_runs_active",
				Help: "Conversation runs currently running or stopping",
			},
			[]string{"provider"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_runs_total",
				Help: "Finished conversation runs by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_turn_duration_seconds",
				Help:    "Duration of agent turns",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"provider", "model", "outcome"},
		),
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_events_published_total",
				Help: "Events delivered to session subscribers by type",
			},
			[]string{"type"},
		),
		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_probe_duration_seconds",
				Help:    "Provider detection and auth probes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "probe", "result"},
		),
		featureUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_feature_updates_total",
				Help: "UpdateFeatureStatus calls by outcome",
			},
			[]string{"outcome"},
		),
		featureRestores: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_feature_restores_total",
				Help: "Empty feature lists restored from backup",
			},
		),
	}
}

func (p *PrometheusRecorder) RunStarted(provider string) {
	p.runsActive.WithLabelValues(provider).Inc()
}

func (p *PrometheusRecorder) RunEnded(provider, outcome string) {
	p.runsActive.WithLabelValues(provider).Dec()
	p.runsTotal.WithLabelValues(provider, outcome).Inc()
}

func (p *PrometheusRecorder) ObserveTurn(provider, model, outcome string, duration time.Duration) {
	p.turnDuration.WithLabelValues(provider, model, outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) EventPublished(eventType string) {
	p.eventsTotal.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) ObserveProbe(provider, probe string, ok bool, duration time.Duration) {
	result := "miss"
	if ok {
		result = "hit"
	}
	p.probeDuration.WithLabelValues(provider, probe, result).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) FeatureUpdate(outcome string) {
	p.featureUpdates.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) FeatureRestored() {
	p.featureRestores.Inc()
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// WriteText writes every metric family in the Prometheus text exposition format.
func (p *PrometheusRecorder) WriteText(w io.Writer) error {
	families, err := p.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Nop discards everything.
type Nop struct{}

func (Nop) RunStarted(string) {}
func (Nop) RunEnded(string, string) {}
func (Nop) ObserveTurn(string, string, string, time.Duration) {}
func (Nop) EventPublished(string) {}
func (Nop) ObserveProbe(string, string, bool, time.Duration) {}
func (Nop) FeatureUpdate(string) {}
func (Nop) FeatureRestored() {}

var (
	_ Recorder = (*PrometheusRecorder)(nil)
	_ Recorder = Nop{}
)
