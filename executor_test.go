package peptune

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nearestModel is a 1-nearest-neighbor model used as a deterministic stand-in
// for the external numerical trainers.
type nearestModel struct {
	rows     [][]float64
	labels   []float64
	fitWidth int
	fitRows  int
}

func (m *nearestModel) Fit(features [][]float64, labels []float64) error {
	m.rows = features
	m.labels = labels
	m.fitRows = len(features)

	if len(features) > 0 {
		m.fitWidth = len(features[0])
	}

	return nil
}

func (m *nearestModel) Predict(features [][]float64) ([]float64, error) {
	out := make([]float64, len(features))

	for i, f := range features {
		best, bestD := 0, math.MaxFloat64

		for j, r := range m.rows {
			var d float64
			for k := range r {
				diff := r[k] - f[k]
				d += diff * diff
			}

			if d < bestD {
				bestD, best = d, j
			}
		}

		out[i] = m.labels[best]
	}

	return out, nil
}

// stubFamily adapts an inline builder to the ModelFamily contract for tests.
type stubFamily struct {
	name  string
	space SearchSpace
	build func(config Configuration, kind TaskKind) (Model, error)
}

func (f stubFamily) Name() string                          { return f.name }
func (f stubFamily) SearchSpace(TaskKind, int) SearchSpace { return f.space }
func (f stubFamily) Build(c Configuration, k TaskKind) (Model, error) {
	return f.build(c, k)
}

func testSpace(family string) SearchSpace {
	return SearchSpace{
		Family:     family,
		Parameters: []Parameter{FloatParameter("x", 0, 1)},
	}
}

func TestClassicalExecutorRun(t *testing.T) {
	family := stubFamily{
		name:  "stub",
		space: testSpace("stub"),
		build: func(Configuration, TaskKind) (Model, error) { return &nearestModel{}, nil },
	}

	executor := NewClassicalExecutor(family, Regression)

	train := SplitView{
		Features: [][]float64{{1}, {2}, {3}},
		Labels:   []float64{10, 20, 30},
	}

	// Valid points coincide with train points, so 1-NN is exact.
	loss, artifact, err := executor.Run(context.Background(), NewConfiguration("stub", nil), train, train)
	require.NoError(t, err)
	assert.Equal(t, 0.0, loss)
	require.IsType(t, ClassicalArtifact{}, artifact)
}

func TestClassicalExecutorBuildFailure(t *testing.T) {
	family := stubFamily{
		name:  "stub",
		space: testSpace("stub"),
		build: func(Configuration, TaskKind) (Model, error) {
			return nil, invalidConfigf("degenerate")
		},
	}

	executor := NewClassicalExecutor(family, Regression)

	fn := executor.Bind(SplitView{}, SplitView{})

	_, _, err := fn(context.Background(), 0, NewConfiguration("stub", nil))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestClassicalExecutorHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	family := stubFamily{
		name:  "stub",
		space: testSpace("stub"),
		build: func(Configuration, TaskKind) (Model, error) { return &nearestModel{}, nil },
	}

	_, _, err := NewClassicalExecutor(family, Regression).Run(ctx, NewConfiguration("stub", nil), SplitView{}, SplitView{})
	assert.ErrorIs(t, err, context.Canceled)
}
