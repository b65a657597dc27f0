package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gqlbuild/artifact"
	"gqlbuild/coordinator"
)

func TestObserveBuild(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New()
	m.MustRegister(registry)

	a := artifact.New()
	a.Elements["a.ts::a"] = artifact.Element{ID: "a.ts::a", Type: artifact.KindModel, Prebuild: artifact.Model{Typename: "User"}}
	a.Report.Warnings = []artifact.Warning{{Code: artifact.WarnCompileFailed}, {Code: artifact.WarnCompileFailed}}
	a.Report.Stats = artifact.Stats{Hits: 3, Misses: 1, Skips: 5}

	m.ObserveBuild(coordinator.KindBuild, 20*time.Millisecond, a, nil)
	m.ObserveBuild(coordinator.KindUpdate, time.Millisecond, nil, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues("build", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues("update", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.elements))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.warnings.WithLabelValues(artifact.WarnCompileFailed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheResults.WithLabelValues("hit")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.cacheResults.WithLabelValues("skip")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.buildDuration))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gqlbuild_build_duration_seconds"])
	assert.True(t, names["gqlbuild_element_cache_total"])
}
