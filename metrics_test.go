package peptune

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegressionMetrics(t *testing.T) {
	rmse, err := RMSE([]float64{2, 2}, []float64{0, 2}, nil)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(2), rmse, 1e-12)

	mae, err := MAE([]float64{2, 2}, []float64{0, 2}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mae, 1e-12)

	pcc, err := PCC([]float64{2, 4, 6}, []float64{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pcc, 1e-12)

	// Spearman only cares about rank order, not linearity.
	spcc, err := SPCC([]float64{1, 10, 100}, []float64{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, spcc, 1e-12)
}

func TestMetricLengthChecks(t *testing.T) {
	_, err := RMSE([]float64{1}, []float64{1, 2}, nil)
	assert.Error(t, err)

	_, err = MCC(nil, nil, nil)
	assert.Error(t, err)
}

func TestMCC(t *testing.T) {
	perfect, err := MCC([]float64{0, 1, 0, 1}, []float64{0, 1, 0, 1}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, perfect, 1e-12)

	inverted, err := MCC([]float64{1, 0, 1, 0}, []float64{0, 1, 0, 1}, nil)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, inverted, 1e-12)

	// Constant predictions collapse the denominator; convention is 0.
	degenerate, err := MCC([]float64{1, 1, 1, 1}, []float64{0, 1, 0, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, degenerate)
}

func TestClassificationMetrics(t *testing.T) {
	acc, err := Accuracy([]float64{1, 0, 1}, []float64{1, 1, 1}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, acc, 1e-12)

	// tp=1, fp=1, fn=1 for the positive class.
	f1, err := F1Binary([]float64{1, 1, 0, 0}, []float64{1, 0, 1, 0}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, f1, 1e-12)

	weighted, err := F1Weighted([]float64{1, 1, 0, 0}, []float64{1, 0, 1, 0}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, weighted, 1e-12)
}

func TestAUROC(t *testing.T) {
	auroc, err := AUROC([]float64{0.1, 0.4, 0.35, 0.8}, []float64{0, 0, 1, 1}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, auroc, 1e-12)

	_, err = AUROC([]float64{0.1, 0.2}, []float64{1, 1}, nil)
	assert.Error(t, err)
}

func TestAUPR(t *testing.T) {
	aupr, err := AUPR([]float64{0.1, 0.9}, []float64{0, 1}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, aupr, 1e-12)

	_, err = AUPR([]float64{0.1, 0.9}, []float64{0, 0}, nil)
	assert.Error(t, err)
}

func TestPairwiseMetrics(t *testing.T) {
	pairs := []EmbeddingPair{
		{A: []float64{1, 0}, B: []float64{1, 0}},
		{A: []float64{1, 0}, B: []float64{0, 1}},
	}

	cosine, err := CosineRank(pairs, []float64{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, cosine, 1e-12)

	euclidean, err := EuclideanRank(pairs, []float64{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, euclidean, 1e-12)

	manhattan, err := ManhattanRank(pairs, []float64{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, manhattan, 1e-12)

	_, err = CosineRank(pairs, []float64{1})
	assert.Error(t, err)
}

func TestMetricRegistry(t *testing.T) {
	reg := NewMetricRegistry()
	require.NoError(t, reg.Register("rmse", RMSE))

	// Duplicates are rejected, never silently replaced.
	assert.Error(t, reg.Register("rmse", MSE))

	set, err := reg.Select("rmse")
	require.NoError(t, err)

	out, err := set.Evaluate([]float64{1, 2}, []float64{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out["rmse"])

	_, err = reg.Select("rmse", "nope")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestDefaultMetricsPanel(t *testing.T) {
	set, err := DefaultMetrics.Select(MetricNamesFor(Regression)...)
	require.NoError(t, err)
	assert.Equal(t, []string{"rmse", "pcc", "spcc"}, set.Names())

	set, err = DefaultMetrics.Select(MetricNamesFor(Classification)...)
	require.NoError(t, err)
	assert.Equal(t, []string{"acc", "mcc", "f1"}, set.Names())

	pairSet, err := DefaultMetrics.SelectPairwise("cosine", "euclidean", "manhattan")
	require.NoError(t, err)

	_, err = pairSet.Evaluate([]EmbeddingPair{
		{A: []float64{1, 0}, B: []float64{1, 0}},
		{A: []float64{0, 1}, B: []float64{1, 0}},
	}, []float64{1, 0})
	require.NoError(t, err)
}

func TestSearchLossWrapsKind(t *testing.T) {
	loss, err := SearchLoss(Regression, []float64{1, 2}, []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 0.0, loss)

	// Classification negates Matthews correlation so lower is better.
	loss, err = SearchLoss(Classification, []float64{0, 1, 0, 1}, []float64{0, 1, 0, 1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, loss, 1e-12)
}

func TestErrorSentinelsUnwrap(t *testing.T) {
	err := invalidConfigf("bad %s", "thing")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	trialErr := &TrialError{Trial: 3, Err: err}
	assert.ErrorIs(t, trialErr, ErrInvalidConfiguration)
	assert.True(t, errors.Is(trialErr, ErrInvalidConfiguration))
	assert.Contains(t, trialErr.Error(), "3")
}
