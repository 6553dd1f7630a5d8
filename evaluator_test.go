package peptune

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoader serves pre-built tasks.
type fakeLoader struct {
	tasks map[string]Task
}

func (l fakeLoader) Load(_ context.Context, id string) (Task, error) {
	task, ok := l.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("no data for %q", id)
	}

	return task, nil
}

func regressionRecords(values ...float64) []Record {
	records := make([]Record, len(values))
	for i, v := range values {
		records[i] = Record{
			ID:        fmt.Sprintf("r%d", i),
			Input:     fmt.Sprintf("%g", v),
			Auxiliary: fmt.Sprintf("%g", v*10),
			Label:     v,
		}
	}

	return records
}

func evaluatorFixture(t *testing.T, id string, multiInstance bool) (EvaluatorConfig, *[]*nearestModel) {
	t.Helper()

	kind, ok := KindOf(id)
	require.True(t, ok)

	task := Task{
		ID:            id,
		Kind:          kind,
		MultiInstance: multiInstance,
		Data: Dataset{
			Train: regressionRecords(1, 2, 3, 4, 5, 6),
			Valid: regressionRecords(2, 5),
			Test:  regressionRecords(3, 6),
		},
	}

	var calls int64

	cache := NewRepresentationCache(CacheConfig{
		Fingerprinters: map[string]Fingerprinter{"fp": numericFingerprinter(&calls)},
	})

	models := &[]*nearestModel{}

	family := stubFamily{
		name:  "knn",
		space: testSpace("knn"),
		build: func(Configuration, TaskKind) (Model, error) {
			m := &nearestModel{}
			*models = append(*models, m)

			return m, nil
		},
	}

	cfg := EvaluatorConfig{
		Tasks:   []string{id},
		Method:  "fp",
		Family:  family,
		Loader:  fakeLoader{tasks: map[string]Task{id: task}},
		Cache:   cache,
		LogDir:  t.TempDir(),
		Trials:  3,
		Seed:    1,
		Results: NewResultTable(filepath.Join(t.TempDir(), "results.csv")),
	}

	if multiInstance {
		cfg.AuxiliaryMethod = "fp"
	}

	return cfg, models
}

func TestTaskEvaluatorRegressionEndToEnd(t *testing.T) {
	cfg, _ := evaluatorFixture(t, "nc-cpp", false)

	evaluator, err := NewTaskEvaluator(cfg)
	require.NoError(t, err)

	rows, err := evaluator.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Test points coincide with training points, so 1-NN is exact.
	assert.Equal(t, "nc-cpp", rows[0].Task)
	assert.Equal(t, "fp", rows[0].Fingerprint)
	assert.Equal(t, "knn", rows[0].Model)
	assert.Equal(t, 0.0, rows[0].Metrics["rmse"])
	assert.InDelta(t, 1.0, rows[0].Metrics["pcc"], 1e-12)
	assert.InDelta(t, 1.0, rows[0].Metrics["spcc"], 1e-12)

	// The winning configuration was persisted under the task's directory.
	_, err = os.Stat(filepath.Join(cfg.LogDir, "nc-cpp", BestModelFile))
	assert.NoError(t, err)
}

func TestTaskEvaluatorMultiInstanceFusion(t *testing.T) {
	cfg, models := evaluatorFixture(t, "c-binding", true)

	evaluator, err := NewTaskEvaluator(cfg)
	require.NoError(t, err)

	rows, err := evaluator.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0, rows[0].Metrics["rmse"])

	// Fused features carry molecule and auxiliary dimensions.
	require.NotEmpty(t, *models)
	refit := (*models)[len(*models)-1]
	assert.Equal(t, 2, refit.fitWidth)
}

func TestTaskEvaluatorDropsFlaggedRecords(t *testing.T) {
	cfg, models := evaluatorFixture(t, "nc-cpp", false)

	// Poison one training record; its label must be dropped alongside it.
	task := cfg.Loader.(fakeLoader).tasks["nc-cpp"]
	task.Data.Train = append(task.Data.Train, Record{ID: "bad", Input: "not-a-number", Label: 99})
	cfg.Loader = fakeLoader{tasks: map[string]Task{"nc-cpp": task}}

	evaluator, err := NewTaskEvaluator(cfg)
	require.NoError(t, err)

	_, err = evaluator.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, *models)
	refit := (*models)[len(*models)-1]
	assert.Equal(t, 6, refit.fitRows)
	assert.NotContains(t, refit.labels, 99.0)
}

func TestTaskEvaluatorRefitsFromPersistedConfiguration(t *testing.T) {
	cfg, _ := evaluatorFixture(t, "nc-cpp", false)

	var configs []Configuration

	cfg.Family = stubFamily{
		name: "knn",
		space: SearchSpace{
			Family:     "knn",
			Parameters: []Parameter{IntParameter("n_neighbors", 1, 3)},
		},
		build: func(c Configuration, _ TaskKind) (Model, error) {
			configs = append(configs, c)

			return &nearestModel{}, nil
		},
	}

	evaluator, err := NewTaskEvaluator(cfg)
	require.NoError(t, err)

	_, err = evaluator.Run(context.Background())
	require.NoError(t, err)

	store, err := NewArtifactStore(filepath.Join(cfg.LogDir, "nc-cpp"))
	require.NoError(t, err)

	var persisted Configuration
	require.NoError(t, store.LoadJSON(BestModelFile, &persisted))

	// The final build is the refit. Its configuration is the one reloaded
	// from best_model.json, integer typing intact, so a run resumed from
	// disk scores the same model.
	require.NotEmpty(t, configs)
	refit := configs[len(configs)-1]

	assert.Equal(t, persisted.Family(), refit.Family())

	want, ok := persisted.Int("n_neighbors")
	require.True(t, ok)

	got, ok := refit.Int("n_neighbors")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestTaskEvaluatorAppendsOnRerun(t *testing.T) {
	cfg, _ := evaluatorFixture(t, "nc-cpp", false)

	evaluator, err := NewTaskEvaluator(cfg)
	require.NoError(t, err)

	_, err = evaluator.Run(context.Background())
	require.NoError(t, err)

	_, err = evaluator.Run(context.Background())
	require.NoError(t, err)

	rows, err := cfg.Results.Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestLabelsPreserveOrder(t *testing.T) {
	records := regressionRecords(3, 1, 2)

	assert.Equal(t, []float64{3, 1, 2}, Labels(records))
	assert.Empty(t, Labels(nil))
}

func TestTaskEvaluatorValidation(t *testing.T) {
	cfg, _ := evaluatorFixture(t, "nc-cpp", false)

	missingMethod := cfg
	missingMethod.Method = ""
	_, err := NewTaskEvaluator(missingMethod)
	assert.Error(t, err)

	missingFamily := cfg
	missingFamily.Family = nil
	_, err = NewTaskEvaluator(missingFamily)
	assert.Error(t, err)

	unknownTask := cfg
	unknownTask.Tasks = []string{"nope"}
	_, err = NewTaskEvaluator(unknownTask)
	assert.Error(t, err)

	// Multi-instance tasks demand an auxiliary method up front.
	noAux := cfg
	noAux.Tasks = []string{"c-binding"}
	noAux.AuxiliaryMethod = ""
	_, err = NewTaskEvaluator(noAux)
	assert.Error(t, err)
}
