// Package metrics exposes Prometheus instruments for discovery, snapshot
// monitoring and retention.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/valgresultat/downloader/pkg/entity"
)

const namespace = "valg"

// Metrics holds every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Fetches            *prometheus.CounterVec
	Discovered         *prometheus.CounterVec
	SnapshotsWritten   *prometheus.CounterVec
	SnapshotsUnchanged *prometheus.CounterVec
	EntityFailures     *prometheus.CounterVec
	TierDuration       *prometheus.HistogramVec
	RetentionDeleted   *prometheus.CounterVec
	RetentionMalformed *prometheus.CounterVec
	RegistryEntities   *prometheus.GaugeVec
}

// New registers all instruments with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Upstream fetches by tier and outcome (ok, error).",
		}, []string{"tier", "outcome"}),
		Discovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovered_entities_total",
			Help:      "Entity IDs added to the registry by discovery.",
		}, []string{"tier"}),
		SnapshotsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_written_total",
			Help:      "Snapshots persisted after a detected change.",
		}, []string{"tier"}),
		SnapshotsUnchanged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_unchanged_total",
			Help:      "Fetches whose payload matched the latest snapshot.",
		}, []string{"tier"}),
		EntityFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_failures_total",
			Help:      "Entities skipped for a cycle, by stage (fetch, compare, write).",
		}, []string{"tier", "stage"}),
		TierDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_pass_duration_seconds",
			Help:      "Duration of one monitor pass over a tier.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"tier"}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Snapshots deleted by retention.",
		}, []string{"tier"}),
		RetentionMalformed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_malformed_total",
			Help:      "Snapshot files kept because their name has no parseable timestamp.",
		}, []string{"tier"}),
		RegistryEntities: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entities",
			Help:      "Entity IDs in the registry across all years.",
		}, []string{"tier"}),
	}
}

// ObserveFetch counts one upstream fetch.
func (m *Metrics) ObserveFetch(tier entity.Tier, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Fetches.WithLabelValues(tier.String(), outcome).Inc()
}

// ObserveDiscovered counts IDs added by discovery.
func (m *Metrics) ObserveDiscovered(tier entity.Tier, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Discovered.WithLabelValues(tier.String()).Add(float64(n))
}

// ObserveSnapshot records the outcome of comparing a fetched payload.
func (m *Metrics) ObserveSnapshot(tier entity.Tier, changed bool) {
	if m == nil {
		return
	}
	if changed {
		m.SnapshotsWritten.WithLabelValues(tier.String()).Inc()
		return
	}
	m.SnapshotsUnchanged.WithLabelValues(tier.String()).Inc()
}

// ObserveEntityFailure counts an entity skipped at stage.
func (m *Metrics) ObserveEntityFailure(tier entity.Tier, stage string) {
	if m == nil {
		return
	}
	m.EntityFailures.WithLabelValues(tier.String(), stage).Inc()
}

// ObserveTierPass records the duration of a tier pass.
func (m *Metrics) ObserveTierPass(tier entity.Tier, start, end time.Time) {
	if m == nil {
		return
	}
	m.TierDuration.WithLabelValues(tier.String()).Observe(end.Sub(start).Seconds())
}

// ObserveRetention records one entity cleanup.
func (m *Metrics) ObserveRetention(tier entity.Tier, deleted, malformed int) {
	if m == nil {
		return
	}
	if deleted > 0 {
		m.RetentionDeleted.WithLabelValues(tier.String()).Add(float64(deleted))
	}
	if malformed > 0 {
		m.RetentionMalformed.WithLabelValues(tier.String()).Add(float64(malformed))
	}
}

// SetRegistrySize sets the registry gauge for a tier.
func (m *Metrics) SetRegistrySize(tier entity.Tier, n int) {
	if m == nil {
		return
	}
	m.RegistryEntities.WithLabelValues(tier.String()).Set(float64(n))
}
