package peptune

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

//////
// Const, vars, types.
//////

// SideData carries task-level keyword passthrough for metrics that need more
// than predictions and references (e.g. sequence lengths). Most metrics
// ignore it.
type SideData map[string]any

// MetricFunc is a pure, side-effect-free scoring function over pointwise
// predictions and references. Lengths must match; the function returns a
// single scalar.
type MetricFunc func(predictions, references []float64, side SideData) (float64, error)

// EmbeddingPair is one paired-embedding input for the pairwise-similarity
// metric family.
type EmbeddingPair struct {
	A []float64
	B []float64
}

// PairwiseMetricFunc is the distinct calling convention of the
// pairwise-similarity ranking family: inputs are paired embeddings whose
// derived similarity is rank-correlated against the labels.
type PairwiseMetricFunc func(pairs []EmbeddingPair, references []float64) (float64, error)

// MetricRegistry holds named scoring functions. It is populated once at
// startup and read-only thereafter.
//
// Thread safety:
// - Safe for concurrent use via read-write mutex.
type MetricRegistry struct {
	mu        sync.RWMutex
	pointwise map[string]MetricFunc
	pairwise  map[string]PairwiseMetricFunc
}

// MetricSet is a bound, ordered subset of pointwise metrics selected from a
// registry.
type MetricSet struct {
	names []string
	funcs []MetricFunc
}

// PairwiseMetricSet is a bound, ordered subset of pairwise metrics.
type PairwiseMetricSet struct {
	names []string
	funcs []PairwiseMetricFunc
}

//////
// Registry.
//////

// NewMetricRegistry creates an empty registry.
func NewMetricRegistry() *MetricRegistry {
	return &MetricRegistry{
		pointwise: make(map[string]MetricFunc),
		pairwise:  make(map[string]PairwiseMetricFunc),
	}
}

// Register inserts a named pointwise scoring function. Registering the same
// name twice is an error; metrics are never silently replaced.
func (r *MetricRegistry) Register(name string, fn MetricFunc) error {
	if fn == nil {
		return fmt.Errorf("metric %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pointwise[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}

	r.pointwise[name] = fn

	return nil
}

// RegisterPairwise inserts a named pairwise scoring function.
func (r *MetricRegistry) RegisterPairwise(name string, fn PairwiseMetricFunc) error {
	if fn == nil {
		return fmt.Errorf("metric %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pairwise[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}

	r.pairwise[name] = fn

	return nil
}

// MustRegister registers a pointwise metric and panics on error. Startup
// convenience, mirroring registry population in init paths.
func (r *MetricRegistry) MustRegister(name string, fn MetricFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(fmt.Sprintf("peptune: %v", err))
	}
}

// MustRegisterPairwise registers a pairwise metric and panics on error.
func (r *MetricRegistry) MustRegisterPairwise(name string, fn PairwiseMetricFunc) {
	if err := r.RegisterPairwise(name, fn); err != nil {
		panic(fmt.Sprintf("peptune: %v", err))
	}
}

// Select returns a bound subset of pointwise metrics.
//
// Returns:
// - MetricSet: The bound metrics, in the requested order.
// - error: ErrUnknownMetric if any name is absent (never defaulted).
func (r *MetricRegistry) Select(names ...string) (MetricSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := MetricSet{names: make([]string, 0, len(names)), funcs: make([]MetricFunc, 0, len(names))}

	for _, name := range names {
		fn, ok := r.pointwise[name]
		if !ok {
			return MetricSet{}, fmt.Errorf("%w: %q (available: %v)", ErrUnknownMetric, name, r.pointwiseNamesLocked())
		}

		set.names = append(set.names, name)
		set.funcs = append(set.funcs, fn)
	}

	return set, nil
}

// SelectPairwise returns a bound subset of pairwise metrics, failing with
// ErrUnknownMetric for absent names.
func (r *MetricRegistry) SelectPairwise(names ...string) (PairwiseMetricSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := PairwiseMetricSet{}

	for _, name := range names {
		fn, ok := r.pairwise[name]
		if !ok {
			return PairwiseMetricSet{}, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
		}

		set.names = append(set.names, name)
		set.funcs = append(set.funcs, fn)
	}

	return set, nil
}

// List returns all registered pointwise metric names, sorted.
func (r *MetricRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.pointwiseNamesLocked()
}

func (r *MetricRegistry) pointwiseNamesLocked() []string {
	names := make([]string, 0, len(r.pointwise))
	for name := range r.pointwise {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Names returns the metric names of the set, in selection order.
func (s MetricSet) Names() []string { return append([]string{}, s.names...) }

// Evaluate applies every metric of the set to the same predictions and
// references.
//
// Returns:
// - map[string]float64: name → value for every metric in the set.
// - error: the first metric failure, wrapped with the metric name.
func (s MetricSet) Evaluate(predictions, references []float64, side SideData) (map[string]float64, error) {
	out := make(map[string]float64, len(s.names))

	for i, fn := range s.funcs {
		value, err := fn(predictions, references, side)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", s.names[i], err)
		}

		out[s.names[i]] = value
	}

	return out, nil
}

// Evaluate applies every pairwise metric of the set to the same embedding
// pairs and references.
func (s PairwiseMetricSet) Evaluate(pairs []EmbeddingPair, references []float64) (map[string]float64, error) {
	out := make(map[string]float64, len(s.names))

	for i, fn := range s.funcs {
		value, err := fn(pairs, references)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", s.names[i], err)
		}

		out[s.names[i]] = value
	}

	return out, nil
}

// MetricNamesFor returns the fixed metric family of a task kind: regression
// tasks contribute {rmse, pcc, spcc}, classification tasks {acc, mcc, f1}.
func MetricNamesFor(kind TaskKind) []string {
	if kind == Regression {
		return []string{"rmse", "pcc", "spcc"}
	}

	return []string{"acc", "mcc", "f1"}
}

//////
// Default registry.
//////

// DefaultMetrics is the process-wide registry, populated once at package
// initialization and read-only thereafter.
var DefaultMetrics = NewMetricRegistry()

func init() {
	DefaultMetrics.MustRegister("mse", MSE)
	DefaultMetrics.MustRegister("rmse", RMSE)
	DefaultMetrics.MustRegister("mae", MAE)
	DefaultMetrics.MustRegister("pcc", PCC)
	DefaultMetrics.MustRegister("spcc", SPCC)
	DefaultMetrics.MustRegister("acc", Accuracy)
	DefaultMetrics.MustRegister("mcc", MCC)
	DefaultMetrics.MustRegister("f1", F1Binary)
	DefaultMetrics.MustRegister("f1_weighted", F1Weighted)
	DefaultMetrics.MustRegister("auroc", AUROC)
	DefaultMetrics.MustRegister("aupr", AUPR)

	DefaultMetrics.MustRegisterPairwise("cosine", CosineRank)
	DefaultMetrics.MustRegisterPairwise("euclidean", EuclideanRank)
	DefaultMetrics.MustRegisterPairwise("manhattan", ManhattanRank)
}

//////
// Pointwise regression metrics.
//////

func checkLengths(predictions, references []float64) error {
	if len(predictions) != len(references) {
		return fmt.Errorf("length mismatch: %d predictions vs %d references", len(predictions), len(references))
	}

	if len(predictions) == 0 {
		return fmt.Errorf("empty input")
	}

	return nil
}

// MSE returns the mean squared error.
func MSE(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	var sum float64

	for i := range predictions {
		diff := predictions[i] - references[i]
		sum += diff * diff
	}

	return sum / float64(len(predictions)), nil
}

// RMSE returns the root mean squared error.
func RMSE(predictions, references []float64, side SideData) (float64, error) {
	mse, err := MSE(predictions, references, side)
	if err != nil {
		return 0, err
	}

	return math.Sqrt(mse), nil
}

// MAE returns the mean absolute error.
func MAE(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	var sum float64

	for i := range predictions {
		sum += math.Abs(predictions[i] - references[i])
	}

	return sum / float64(len(predictions)), nil
}

// PCC returns the Pearson correlation coefficient.
func PCC(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	return stat.Correlation(references, predictions, nil), nil
}

// SPCC returns the Spearman rank correlation coefficient, computed as the
// Pearson correlation of average-tie ranks.
func SPCC(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	return stat.Correlation(ranks(references), ranks(predictions), nil), nil
}

// ranks assigns 1-based ranks with ties resolved to the average rank.
func ranks(xs []float64) []float64 {
	n := len(xs)

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	out := make([]float64, n)

	for i := 0; i < n; {
		j := i
		for j+1 < n && xs[idx[j+1]] == xs[idx[i]] {
			j++
		}

		// Average rank across the tie group, 1-based.
		avg := float64(i+j)/2 + 1

		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}

		i = j + 1
	}

	return out
}

//////
// Pointwise classification metrics.
//////

// Accuracy returns the fraction of exactly matching labels.
func Accuracy(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	var correct int

	for i := range predictions {
		if predictions[i] == references[i] {
			correct++
		}
	}

	return float64(correct) / float64(len(predictions)), nil
}

// MCC returns the Matthews correlation coefficient, using the multiclass
// generalization (which reduces to the familiar binary formula for two
// classes). A zero denominator yields 0.
func MCC(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	classes := classSet(predictions, references)

	trueCount := make(map[float64]float64, len(classes))
	predCount := make(map[float64]float64, len(classes))

	var correct float64

	for i := range predictions {
		trueCount[references[i]]++
		predCount[predictions[i]]++

		if predictions[i] == references[i] {
			correct++
		}
	}

	s := float64(len(predictions))

	var dot, predSq, trueSq float64

	for _, c := range classes {
		dot += predCount[c] * trueCount[c]
		predSq += predCount[c] * predCount[c]
		trueSq += trueCount[c] * trueCount[c]
	}

	denom := math.Sqrt((s*s - predSq) * (s*s - trueSq))
	if denom == 0 {
		return 0, nil
	}

	return (correct*s - dot) / denom, nil
}

// F1Binary returns the F1 score of the positive class (label 1), with zero
// divisions resolved to 0.
func F1Binary(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	return f1ForClass(predictions, references, 1), nil
}

// F1Weighted returns the support-weighted mean of per-class F1 scores.
func F1Weighted(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	support := make(map[float64]float64)
	for _, r := range references {
		support[r]++
	}

	var weighted float64

	for class, count := range support {
		weighted += f1ForClass(predictions, references, class) * count
	}

	return weighted / float64(len(references)), nil
}

func f1ForClass(predictions, references []float64, class float64) float64 {
	var tp, fp, fn float64

	for i := range predictions {
		switch {
		case predictions[i] == class && references[i] == class:
			tp++
		case predictions[i] == class:
			fp++
		case references[i] == class:
			fn++
		}
	}

	if 2*tp+fp+fn == 0 {
		return 0
	}

	return 2 * tp / (2*tp + fp + fn)
}

// AUROC returns the area under the ROC curve for binary references (0/1)
// against continuous scores, via the rank-sum (Mann-Whitney) identity with
// average-tie ranks.
func AUROC(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	var pos, neg float64

	for _, r := range references {
		if r == 1 {
			pos++
		} else {
			neg++
		}
	}

	if pos == 0 || neg == 0 {
		return 0, fmt.Errorf("auroc requires both classes present")
	}

	var rankSum float64

	for i, rank := range ranks(predictions) {
		if references[i] == 1 {
			rankSum += rank
		}
	}

	return (rankSum - pos*(pos+1)/2) / (pos * neg), nil
}

// AUPR returns the area under the precision-recall curve for binary
// references against continuous scores, integrated over recall.
func AUPR(predictions, references []float64, _ SideData) (float64, error) {
	if err := checkLengths(predictions, references); err != nil {
		return 0, err
	}

	var pos float64

	for _, r := range references {
		if r == 1 {
			pos++
		}
	}

	if pos == 0 {
		return 0, fmt.Errorf("aupr requires at least one positive reference")
	}

	idx := make([]int, len(predictions))
	for i := range idx {
		idx[i] = i
	}

	sort.Slice(idx, func(a, b int) bool { return predictions[idx[a]] > predictions[idx[b]] })

	var tp, fp, area, prevRecall float64

	prevPrecision := 1.0

	for i := 0; i < len(idx); {
		// Advance over the whole tie group before emitting a curve point.
		j := i
		for j < len(idx) && predictions[idx[j]] == predictions[idx[i]] {
			if references[idx[j]] == 1 {
				tp++
			} else {
				fp++
			}

			j++
		}

		precision := tp / (tp + fp)
		recall := tp / pos

		area += (recall - prevRecall) * (precision + prevPrecision) / 2
		prevRecall, prevPrecision = recall, precision

		i = j
	}

	return area, nil
}

func classSet(predictions, references []float64) []float64 {
	seen := make(map[float64]struct{})
	for _, v := range references {
		seen[v] = struct{}{}
	}

	for _, v := range predictions {
		seen[v] = struct{}{}
	}

	classes := make([]float64, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}

	sort.Float64s(classes)

	return classes
}

//////
// Pairwise-similarity ranking metrics.
//////

func checkPairs(pairs []EmbeddingPair, references []float64) error {
	if len(pairs) != len(references) {
		return fmt.Errorf("length mismatch: %d pairs vs %d references", len(pairs), len(references))
	}

	if len(pairs) == 0 {
		return fmt.Errorf("empty input")
	}

	for i, p := range pairs {
		if len(p.A) != len(p.B) {
			return fmt.Errorf("pair %d: embedding widths differ (%d vs %d)", i, len(p.A), len(p.B))
		}
	}

	return nil
}

// CosineRank computes cosine similarity per embedding pair and returns its
// Spearman rank correlation against the references.
func CosineRank(pairs []EmbeddingPair, references []float64) (float64, error) {
	if err := checkPairs(pairs, references); err != nil {
		return 0, err
	}

	sims := make([]float64, len(pairs))

	for i, p := range pairs {
		denom := floats.Norm(p.A, 2) * floats.Norm(p.B, 2)
		if denom == 0 {
			sims[i] = 0
			continue
		}

		sims[i] = floats.Dot(p.A, p.B) / denom
	}

	return SPCC(sims, references, nil)
}

// EuclideanRank computes the normalized Euclidean similarity
// 1 - d2(a,b)/(|a|2+|b|2) per pair and returns its Spearman rank correlation
// against the references.
func EuclideanRank(pairs []EmbeddingPair, references []float64) (float64, error) {
	return distanceRank(pairs, references, 2)
}

// ManhattanRank computes the normalized Manhattan similarity
// 1 - d1(a,b)/(|a|1+|b|1) per pair and returns its Spearman rank correlation
// against the references.
func ManhattanRank(pairs []EmbeddingPair, references []float64) (float64, error) {
	return distanceRank(pairs, references, 1)
}

func distanceRank(pairs []EmbeddingPair, references []float64, order float64) (float64, error) {
	if err := checkPairs(pairs, references); err != nil {
		return 0, err
	}

	sims := make([]float64, len(pairs))

	for i, p := range pairs {
		norm := floats.Norm(p.A, order) + floats.Norm(p.B, order)
		if norm == 0 {
			sims[i] = 0
			continue
		}

		sims[i] = 1 - floats.Distance(p.A, p.B, order)/norm
	}

	return SPCC(sims, references, nil)
}
