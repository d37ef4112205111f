package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/valgresultat/downloader/pkg/entity"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveFetch(entity.TierRegion, nil)
	m.ObserveFetch(entity.TierRegion, errors.New("boom"))
	m.ObserveFetch(entity.TierRegion, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Fetches.WithLabelValues("fylke", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fetches.WithLabelValues("fylke", "error")))

	m.ObserveSnapshot(entity.TierMunicipality, true)
	m.ObserveSnapshot(entity.TierMunicipality, false)
	m.ObserveSnapshot(entity.TierMunicipality, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsWritten.WithLabelValues("kommune")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SnapshotsUnchanged.WithLabelValues("kommune")))

	m.ObserveDiscovered(entity.TierDistrict, 0)
	m.ObserveDiscovered(entity.TierDistrict, 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Discovered.WithLabelValues("krets")))

	m.ObserveRetention(entity.TierRegion, 3, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RetentionDeleted.WithLabelValues("fylke")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetentionMalformed.WithLabelValues("fylke")))

	m.SetRegistrySize(entity.TierRegion, 15)
	assert.Equal(t, 15.0, testutil.ToFloat64(m.RegistryEntities.WithLabelValues("fylke")))

	m.ObserveEntityFailure(entity.TierNational, "fetch")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntityFailures.WithLabelValues("nasjonalt", "fetch")))

	start := time.Now()
	m.ObserveTierPass(entity.TierNational, start, start.Add(2*time.Second))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TierDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFetch(entity.TierRegion, nil)
		m.ObserveDiscovered(entity.TierRegion, 1)
		m.ObserveSnapshot(entity.TierRegion, true)
		m.ObserveEntityFailure(entity.TierRegion, "write")
		m.ObserveTierPass(entity.TierRegion, time.Now(), time.Now())
		m.ObserveRetention(entity.TierRegion, 1, 1)
		m.SetRegistrySize(entity.TierRegion, 1)
	})
}
