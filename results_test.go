package peptune

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultTableAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	table := NewResultTable(path)

	row := ResultRow{
		Task:        "nc-cpp",
		Fingerprint: "ecfp4-2048",
		Model:       "svm",
		Metrics:     map[string]float64{"rmse": 0.5, "pcc": 0.9, "spcc": 0.85},
	}

	require.NoError(t, table.Append(row))

	// Re-running the same combination appends, never deduplicates.
	require.NoError(t, table.Append(row))

	rows, err := table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "nc-cpp", rows[0].Task)
	assert.Equal(t, 0.5, rows[0].Metrics["rmse"])

	// Classification columns stay absent for a regression row.
	_, present := rows[0].Metrics["mcc"]
	assert.False(t, present)

	// Exactly one header line.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "task,fingerprint,model"))
}

func TestResultTableMixedKinds(t *testing.T) {
	table := NewResultTable(filepath.Join(t.TempDir(), "results.csv"))

	require.NoError(t, table.Append(ResultRow{
		Task:        "nc-cpp",
		Fingerprint: "maccs",
		Model:       "rf",
		Metrics:     map[string]float64{"rmse": 1.2, "pcc": 0.3, "spcc": 0.4},
	}))

	require.NoError(t, table.Append(ResultRow{
		Task:        "c-sol",
		Fingerprint: "maccs",
		Model:       "rf",
		Metrics:     map[string]float64{"acc": 0.8, "mcc": 0.6, "f1": 0.7},
	}))

	rows, err := table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1.2, rows[0].Metrics["rmse"])
	assert.Equal(t, 0.6, rows[1].Metrics["mcc"])

	_, present := rows[1].Metrics["rmse"]
	assert.False(t, present)
}
