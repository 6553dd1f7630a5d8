package peptune

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

//////
// Const, vars, types.
//////

// Model family tags. Families are selected once at setup through the
// FamilyRegistry, never re-branched on a string at call sites.
const (
	FamilySVM       = "svm"
	FamilyForest    = "rf"
	FamilyBoost     = "xgboost"
	FamilyNeighbors = "knn"
)

// Model is the capability contract the core requires of any fitted-model
// implementation. The numerical training step itself lives outside this
// module.
type Model interface {
	// Fit trains the model on feature rows and aligned labels.
	Fit(features [][]float64, labels []float64) error

	// Predict returns one prediction per feature row, order preserved.
	Predict(features [][]float64) ([]float64, error)
}

// ModelFamily is the capability contract of one model family: it names
// itself, describes its valid search space, and constructs Model instances
// from flat configurations. Construction must reject invalid hyperparameters
// with ErrInvalidConfiguration; it must never silently clip them.
type ModelFamily interface {
	// Name returns the family tag, e.g. "svm".
	Name() string

	// SearchSpace returns the hyperparameter domain for the given task kind
	// and training-set size (the latter bounds data-dependent parameters
	// such as neighbor counts).
	SearchSpace(kind TaskKind, trainRows int) SearchSpace

	// Build constructs a model from a sampled configuration.
	Build(config Configuration, kind TaskKind) (Model, error)
}

// validate is the process-wide schema validator for hyperparameter records.
var validate = validator.New(validator.WithRequiredStructEnabled())

//////
// Family registry.
//////

// FamilyRegistry maps family tags to ModelFamily implementations. Populated
// once at startup; lookups of unknown tags fail loudly with
// ErrUnknownModelFamily.
type FamilyRegistry struct {
	mu       sync.RWMutex
	families map[string]ModelFamily
}

// NewFamilyRegistry creates an empty family registry.
func NewFamilyRegistry() *FamilyRegistry {
	return &FamilyRegistry{families: make(map[string]ModelFamily)}
}

// Register adds a family under its Name.
func (r *FamilyRegistry) Register(family ModelFamily) error {
	if family == nil {
		return fmt.Errorf("nil model family")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := family.Name()
	if _, exists := r.families[name]; exists {
		return fmt.Errorf("model family %q already registered", name)
	}

	r.families[name] = family

	return nil
}

// MustRegister registers a family and panics on error.
func (r *FamilyRegistry) MustRegister(family ModelFamily) {
	if err := r.Register(family); err != nil {
		panic(fmt.Sprintf("peptune: %v", err))
	}
}

// Get retrieves a family by tag.
//
// Returns:
// - ModelFamily: The registered family.
// - error: ErrUnknownModelFamily if the tag is absent.
func (r *FamilyRegistry) Get(name string) (ModelFamily, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	family, ok := r.families[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownModelFamily, name, r.namesLocked())
	}

	return family, nil
}

// List returns all registered family tags, sorted.
func (r *FamilyRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.namesLocked()
}

func (r *FamilyRegistry) namesLocked() []string {
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

//////
// Search spaces.
//////

// SVMSearchSpace returns the support-vector search space. The kernel is
// pinned to linear; classification drops the epsilon dimension.
func SVMSearchSpace(kind TaskKind) SearchSpace {
	params := []Parameter{
		LogFloatParameter("C", 1e-3, 1e1),
	}

	if kind == Regression {
		params = append(params, LogFloatParameter("epsilon", 1e-3, 1e3))
	}

	return SearchSpace{Family: FamilySVM, Parameters: params}
}

// ForestSearchSpace returns the random-forest search space.
func ForestSearchSpace() SearchSpace {
	return SearchSpace{
		Family: FamilyForest,
		Parameters: []Parameter{
			IntParameter("n_estimators", 1, 1000),
			IntParameter("max_depth", 1, 100),
			LogFloatParameter("min_impurity_decrease", 1e-7, 1),
			CategoricalParameter("warm_start", "false", "true"),
			LogFloatParameter("ccp_alpha", 1e-12, 1),
		},
	}
}

// GradientBoostSearchSpace returns the gradient-boosting search space.
func GradientBoostSearchSpace() SearchSpace {
	return SearchSpace{
		Family: FamilyBoost,
		Parameters: []Parameter{
			LogFloatParameter("learning_rate", 1e-7, 1),
			IntParameter("n_estimators", 1, 1000),
			FloatParameter("subsample", 0.1, 1),
			IntParameter("max_depth", 1, 100),
			LogFloatParameter("min_impurity_decrease", 1e-7, 1),
			CategoricalParameter("warm_start", "false", "true"),
			LogFloatParameter("ccp_alpha", 1e-12, 1),
		},
	}
}

// NeighborsSearchSpace returns the nearest-neighbor search space. The upper
// neighbor bound is a tenth of the training rows, so degenerate samples can
// still occur only when the training set is tiny; those are rejected at
// decode time, not clipped.
func NeighborsSearchSpace(trainRows int) SearchSpace {
	upper := trainRows / 10
	if upper < 1 {
		upper = 1
	}

	return SearchSpace{
		Family: FamilyNeighbors,
		Parameters: []Parameter{
			IntParameter("n_neighbors", 1, upper),
			CategoricalParameter("weights", "distance", "uniform"),
		},
	}
}

//////
// Hyperparameter schemas.
//////

// SVMParams is the schema-validated hyperparameter record of the
// support-vector family.
type SVMParams struct {
	Kernel  string  `json:"kernel"  validate:"oneof=linear poly rbf sigmoid"`
	C       float64 `json:"C"       validate:"gt=0"`
	Epsilon float64 `json:"epsilon" validate:"gte=0"` // 0 for classification
	MaxIter int     `json:"max_iter" validate:"gt=0"`
}

// ForestParams is the schema-validated hyperparameter record of the
// random-forest family.
type ForestParams struct {
	Estimators          int     `json:"n_estimators"          validate:"min=1,max=1000"`
	MaxDepth            int     `json:"max_depth"             validate:"min=1,max=100"`
	MinImpurityDecrease float64 `json:"min_impurity_decrease" validate:"gt=0,lte=1"`
	WarmStart           bool    `json:"warm_start"`
	CCPAlpha            float64 `json:"ccp_alpha"             validate:"gt=0,lte=1"`
	Jobs                int     `json:"n_jobs"                validate:"min=1"`
}

// BoostParams is the schema-validated hyperparameter record of the
// gradient-boosting family.
type BoostParams struct {
	LearningRate        float64 `json:"learning_rate"         validate:"gt=0,lte=1"`
	Estimators          int     `json:"n_estimators"          validate:"min=1,max=1000"`
	Subsample           float64 `json:"subsample"             validate:"gte=0.1,lte=1"`
	MaxDepth            int     `json:"max_depth"             validate:"min=1,max=100"`
	MinImpurityDecrease float64 `json:"min_impurity_decrease" validate:"gt=0,lte=1"`
	WarmStart           bool    `json:"warm_start"`
	CCPAlpha            float64 `json:"ccp_alpha"             validate:"gt=0,lte=1"`
}

// NeighborsParams is the schema-validated hyperparameter record of the
// nearest-neighbor family.
type NeighborsParams struct {
	Neighbors int    `json:"n_neighbors" validate:"min=1"`
	Weights   string `json:"weights"     validate:"oneof=distance uniform"`
	P         int    `json:"p"           validate:"min=1,max=2"`
	Jobs      int    `json:"n_jobs"      validate:"min=1"`
}

// DefaultJobs bounds the internal worker pool a single model fit may use.
// This is a resource-sharing concession, not a scheduling guarantee; trials
// themselves always run strictly one after another.
const DefaultJobs = 8

// DecodeSVMParams extracts and validates SVM hyperparameters from a sampled
// configuration. For classification the epsilon dimension does not exist in
// the schema's sampled space and stays zero.
func DecodeSVMParams(config Configuration, kind TaskKind) (SVMParams, error) {
	p := SVMParams{Kernel: "linear", MaxIter: 1_000_000}

	var ok bool
	if p.C, ok = config.Float("C"); !ok {
		return SVMParams{}, invalidConfigf("svm: missing C")
	}

	if kind == Regression {
		if p.Epsilon, ok = config.Float("epsilon"); !ok {
			return SVMParams{}, invalidConfigf("svm: missing epsilon")
		}
	}

	if err := validate.Struct(p); err != nil {
		return SVMParams{}, invalidConfigf("svm: %v", err)
	}

	return p, nil
}

// DecodeForestParams extracts and validates random-forest hyperparameters.
func DecodeForestParams(config Configuration) (ForestParams, error) {
	p := ForestParams{Jobs: DefaultJobs}

	var err error
	if p.Estimators, p.MaxDepth, err = intPair(config, "n_estimators", "max_depth"); err != nil {
		return ForestParams{}, fmt.Errorf("rf: %w", err)
	}

	var ok bool
	if p.MinImpurityDecrease, ok = config.Float("min_impurity_decrease"); !ok {
		return ForestParams{}, invalidConfigf("rf: missing min_impurity_decrease")
	}

	if p.CCPAlpha, ok = config.Float("ccp_alpha"); !ok {
		return ForestParams{}, invalidConfigf("rf: missing ccp_alpha")
	}

	if p.WarmStart, err = boolValue(config, "warm_start"); err != nil {
		return ForestParams{}, fmt.Errorf("rf: %w", err)
	}

	if err := validate.Struct(p); err != nil {
		return ForestParams{}, invalidConfigf("rf: %v", err)
	}

	return p, nil
}

// DecodeBoostParams extracts and validates gradient-boosting
// hyperparameters.
func DecodeBoostParams(config Configuration) (BoostParams, error) {
	var p BoostParams

	var err error
	if p.Estimators, p.MaxDepth, err = intPair(config, "n_estimators", "max_depth"); err != nil {
		return BoostParams{}, fmt.Errorf("xgboost: %w", err)
	}

	var ok bool
	if p.LearningRate, ok = config.Float("learning_rate"); !ok {
		return BoostParams{}, invalidConfigf("xgboost: missing learning_rate")
	}

	if p.Subsample, ok = config.Float("subsample"); !ok {
		return BoostParams{}, invalidConfigf("xgboost: missing subsample")
	}

	if p.MinImpurityDecrease, ok = config.Float("min_impurity_decrease"); !ok {
		return BoostParams{}, invalidConfigf("xgboost: missing min_impurity_decrease")
	}

	if p.CCPAlpha, ok = config.Float("ccp_alpha"); !ok {
		return BoostParams{}, invalidConfigf("xgboost: missing ccp_alpha")
	}

	if p.WarmStart, err = boolValue(config, "warm_start"); err != nil {
		return BoostParams{}, fmt.Errorf("xgboost: %w", err)
	}

	if err := validate.Struct(p); err != nil {
		return BoostParams{}, invalidConfigf("xgboost: %v", err)
	}

	return p, nil
}

// DecodeNeighborsParams extracts and validates nearest-neighbor
// hyperparameters. A neighbor count exceeding the available training rows is
// an ErrInvalidConfiguration: the trial fails and gets penalized, it is not
// silently clipped.
func DecodeNeighborsParams(config Configuration, trainRows int) (NeighborsParams, error) {
	p := NeighborsParams{P: 1, Jobs: DefaultJobs}

	var ok bool
	if p.Neighbors, ok = config.Int("n_neighbors"); !ok {
		return NeighborsParams{}, invalidConfigf("knn: missing n_neighbors")
	}

	if p.Weights, ok = config.String("weights"); !ok {
		return NeighborsParams{}, invalidConfigf("knn: missing weights")
	}

	if err := validate.Struct(p); err != nil {
		return NeighborsParams{}, invalidConfigf("knn: %v", err)
	}

	if p.Neighbors > trainRows {
		return NeighborsParams{}, invalidConfigf("knn: n_neighbors %d exceeds %d training rows", p.Neighbors, trainRows)
	}

	return p, nil
}

//////
// Family implementations.
//////

// SVMFamily adapts an externally supplied support-vector trainer to the
// ModelFamily contract: hyperparameters are decoded and schema-validated
// here, construction of the numerical model is delegated to the builder.
type SVMFamily struct {
	Builder func(params SVMParams, kind TaskKind) (Model, error)
}

// Name implements ModelFamily.
func (f SVMFamily) Name() string { return FamilySVM }

// SearchSpace implements ModelFamily.
func (f SVMFamily) SearchSpace(kind TaskKind, _ int) SearchSpace { return SVMSearchSpace(kind) }

// Build implements ModelFamily.
func (f SVMFamily) Build(config Configuration, kind TaskKind) (Model, error) {
	params, err := DecodeSVMParams(config, kind)
	if err != nil {
		return nil, err
	}

	if f.Builder == nil {
		return nil, fmt.Errorf("svm: no model builder wired")
	}

	return f.Builder(params, kind)
}

// ForestFamily adapts an externally supplied random-forest trainer to the
// ModelFamily contract.
type ForestFamily struct {
	Builder func(params ForestParams, kind TaskKind) (Model, error)
}

// Name implements ModelFamily.
func (f ForestFamily) Name() string { return FamilyForest }

// SearchSpace implements ModelFamily.
func (f ForestFamily) SearchSpace(TaskKind, int) SearchSpace { return ForestSearchSpace() }

// Build implements ModelFamily.
func (f ForestFamily) Build(config Configuration, kind TaskKind) (Model, error) {
	params, err := DecodeForestParams(config)
	if err != nil {
		return nil, err
	}

	if f.Builder == nil {
		return nil, fmt.Errorf("rf: no model builder wired")
	}

	return f.Builder(params, kind)
}

// BoostFamily adapts an externally supplied gradient-boosting trainer to the
// ModelFamily contract.
type BoostFamily struct {
	Builder func(params BoostParams, kind TaskKind) (Model, error)
}

// Name implements ModelFamily.
func (f BoostFamily) Name() string { return FamilyBoost }

// SearchSpace implements ModelFamily.
func (f BoostFamily) SearchSpace(TaskKind, int) SearchSpace { return GradientBoostSearchSpace() }

// Build implements ModelFamily.
func (f BoostFamily) Build(config Configuration, kind TaskKind) (Model, error) {
	params, err := DecodeBoostParams(config)
	if err != nil {
		return nil, err
	}

	if f.Builder == nil {
		return nil, fmt.Errorf("xgboost: no model builder wired")
	}

	return f.Builder(params, kind)
}

// NeighborsFamily adapts an externally supplied nearest-neighbor trainer to
// the ModelFamily contract. Its search space and decode step depend on the
// training-set size, so the family captures it at SearchSpace time and Build
// re-validates against it.
type NeighborsFamily struct {
	Builder func(params NeighborsParams, kind TaskKind) (Model, error)

	// TrainRows bounds the neighbor count at decode time. Set by callers
	// before Build; SearchSpace records the value it was given.
	TrainRows int
}

// Name implements ModelFamily.
func (f *NeighborsFamily) Name() string { return FamilyNeighbors }

// SearchSpace implements ModelFamily.
func (f *NeighborsFamily) SearchSpace(_ TaskKind, trainRows int) SearchSpace {
	f.TrainRows = trainRows

	return NeighborsSearchSpace(trainRows)
}

// Build implements ModelFamily.
func (f *NeighborsFamily) Build(config Configuration, kind TaskKind) (Model, error) {
	params, err := DecodeNeighborsParams(config, f.TrainRows)
	if err != nil {
		return nil, err
	}

	if f.Builder == nil {
		return nil, fmt.Errorf("knn: no model builder wired")
	}

	return f.Builder(params, kind)
}

func intPair(config Configuration, a, b string) (int, int, error) {
	av, ok := config.Int(a)
	if !ok {
		return 0, 0, invalidConfigf("missing %s", a)
	}

	bv, ok := config.Int(b)
	if !ok {
		return 0, 0, invalidConfigf("missing %s", b)
	}

	return av, bv, nil
}

func boolValue(config Configuration, name string) (bool, error) {
	if v, ok := config.Bool(name); ok {
		return v, nil
	}

	s, ok := config.String(name)
	if !ok {
		return false, invalidConfigf("missing %s", name)
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, invalidConfigf("%s: %v", name, err)
	}

	return v, nil
}
