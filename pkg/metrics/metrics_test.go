package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_MetricsAreRegisteredAndUpdatable(t *testing.T) {
	m := New()

	m.WALAppendsTotal.Inc()
	m.SnapshotsOpen.Set(3)

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	var sawAppends, sawSnapshots bool
	for _, f := range families {
		switch f.GetName() {
		case "strata_wal_appends_total":
			sawAppends = true
			assert.Equal(t, float64(1), f.Metric[0].GetCounter().GetValue())
		case "strata_snapshots_open":
			sawSnapshots = true
			assert.Equal(t, float64(3), f.Metric[0].GetGauge().GetValue())
		}
	}
	assert.True(t, sawAppends)
	assert.True(t, sawSnapshots)
}

func TestRegistry_IndependentInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.WALAppendsTotal.Inc()

	familiesB, err := b.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range familiesB {
		if f.GetName() == "strata_wal_appends_total" {
			assert.Equal(t, float64(0), f.Metric[0].GetCounter().GetValue())
		}
	}
}
