package phasedef

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtdata/pipeline-cli/internal/model"
)

func TestLoad_EmbeddedTopology(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 6)
	assert.Equal(t, model.PhaseIngest, all[0].ID)
	assert.Equal(t, model.PhasePublish, all[5].ID)

	analytics, err := r.Get(model.PhaseAnalytics)
	require.NoError(t, err)
	assert.Equal(t, []model.PhaseID{model.PhaseNormalize}, analytics.Upstream)
	require.Len(t, analytics.Requirements, 2)
	assert.Equal(t, int64(200), analytics.Requirements[0].MinRows)
	assert.Equal(t, 12*time.Hour, analytics.Requirements[0].MaxStaleness.Std())
	assert.Equal(t, model.CriticalityOptional, analytics.Requirements[1].Criticality)
}

func TestLoad_UnknownPhase(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	_, err = r.Get(model.PhaseID("nonexistent"))
	assert.Error(t, err)
}

func TestDownstream(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	down := r.Downstream(model.PhaseAnalytics)
	require.Len(t, down, 1)
	assert.Equal(t, model.PhaseFeatures, down[0].ID)

	assert.Empty(t, r.Downstream(model.PhasePublish))
}

func TestLoad_RejectsBadTopologies(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "empty file",
			yaml: "phases: []",
			want: "no phases defined",
		},
		{
			name: "duplicate phase",
			yaml: `
phases:
  - id: ingest
    producers: [a]
  - id: ingest
    producers: [b]
`,
			want: "duplicate phase",
		},
		{
			name: "forward upstream reference",
			yaml: `
phases:
  - id: normalize
    upstream: [ingest]
    producers: [a]
  - id: ingest
    producers: [b]
`,
			want: "not defined earlier",
		},
		{
			name: "no producers",
			yaml: `
phases:
  - id: ingest
    producers: []
`,
			want: "no producers",
		},
		{
			name: "bad check kind",
			yaml: `
phases:
  - id: ingest
    producers: [a]
    requirements:
      - name: x
        table: x
        check: sometimes
        criticality: critical
`,
			want: "unknown check kind",
		},
		{
			name: "min rows missing",
			yaml: `
phases:
  - id: ingest
    producers: [a]
    requirements:
      - name: x
        table: x
        check: minimum-row-count
        criticality: critical
`,
			want: "min_rows > 0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
