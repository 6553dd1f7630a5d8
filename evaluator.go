package peptune

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
)

//////
// Const, vars, types.
//////

// EvaluatorConfig configures one benchmark run: which tasks to evaluate,
// which representation method and model family to pair, and where artifacts
// and results land.
type EvaluatorConfig struct {
	// Tasks is the evaluation order. Defaults to the full taxonomy.
	Tasks []string

	// Method is the molecule representation method identifier. Required.
	Method string

	// AuxiliaryMethod is the protein representation method used by
	// multi-instance tasks. Required when Tasks includes one.
	AuxiliaryMethod string

	// Family is the model family under evaluation, selected once here.
	// Required.
	Family ModelFamily

	// Loader materializes task datasets. Required.
	Loader TaskLoader

	// Cache resolves representations. Required.
	Cache *RepresentationCache

	// LogDir is the root artifact directory; each task's search persists into
	// its own subdirectory beneath it. Required.
	LogDir string

	// Results is the table finished evaluations are appended to. Optional.
	Results *ResultTable

	// Trials is the per-task search budget. Defaults to 10.
	Trials int

	// Seed drives proposal sampling. 0 means time-based.
	Seed int64

	// Oracle builds the proposal oracle per task. Defaults to random search.
	Oracle func(space SearchSpace) TrialOracle

	// Observer receives trial events. Optional.
	Observer TrialObserver

	// Logger receives progress logs. Optional.
	Logger *slog.Logger
}

// TaskEvaluator runs the fixed benchmark protocol over its configured tasks:
// resolve representations, search hyperparameters on train/valid, refit the
// winner on train, score it exactly once on test, append the row.
type TaskEvaluator struct {
	cfg EvaluatorConfig
}

//////
// Factory.
//////

// NewTaskEvaluator validates the configuration and applies defaults.
func NewTaskEvaluator(cfg EvaluatorConfig) (*TaskEvaluator, error) {
	if cfg.Method == "" {
		return nil, fmt.Errorf("evaluator requires a representation method")
	}

	if cfg.Family == nil {
		return nil, fmt.Errorf("evaluator requires a model family")
	}

	if cfg.Loader == nil {
		return nil, fmt.Errorf("evaluator requires a task loader")
	}

	if cfg.Cache == nil {
		return nil, fmt.Errorf("evaluator requires a representation cache")
	}

	if cfg.LogDir == "" {
		return nil, fmt.Errorf("evaluator requires a log directory")
	}

	if len(cfg.Tasks) == 0 {
		cfg.Tasks = Tasks
	}

	for _, id := range cfg.Tasks {
		if _, ok := KindOf(id); !ok {
			return nil, fmt.Errorf("unknown task %q", id)
		}

		if IsMultiInstance(id) && cfg.AuxiliaryMethod == "" {
			return nil, fmt.Errorf("task %q requires an auxiliary representation method", id)
		}
	}

	if cfg.Trials <= 0 {
		cfg.Trials = 10
	}

	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}

	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	return &TaskEvaluator{cfg: cfg}, nil
}

//////
// Methods.
//////

// Run evaluates every configured task in order and returns the appended
// result rows. A failure in any task aborts the run; partial rows already
// appended to the results table stay there.
func (e *TaskEvaluator) Run(ctx context.Context) ([]ResultRow, error) {
	rows := make([]ResultRow, 0, len(e.cfg.Tasks))

	for _, id := range e.cfg.Tasks {
		row, err := e.runTask(ctx, id)
		if err != nil {
			return rows, fmt.Errorf("task %s: %w", id, err)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func (e *TaskEvaluator) runTask(ctx context.Context, id string) (ResultRow, error) {
	task, err := e.cfg.Loader.Load(ctx, id)
	if err != nil {
		return ResultRow{}, fmt.Errorf("load: %w", err)
	}

	e.cfg.Logger.Info("evaluating task",
		slog.String("task", id),
		slog.String("kind", task.Kind.String()),
		slog.String("method", e.cfg.Method),
		slog.String("model", e.cfg.Family.Name()))

	train, err := e.splitView(ctx, task, SplitTrain)
	if err != nil {
		return ResultRow{}, err
	}

	valid, err := e.splitView(ctx, task, SplitValid)
	if err != nil {
		return ResultRow{}, err
	}

	test, err := e.splitView(ctx, task, SplitTest)
	if err != nil {
		return ResultRow{}, err
	}

	store, err := NewArtifactStore(filepath.Join(e.cfg.LogDir, id))
	if err != nil {
		return ResultRow{}, err
	}

	space := e.cfg.Family.SearchSpace(task.Kind, train.Rows())

	var oracle TrialOracle
	if e.cfg.Oracle != nil {
		oracle = e.cfg.Oracle(space)
	}

	session, err := NewSession(SessionConfig{
		Task:     id,
		Trials:   e.cfg.Trials,
		Oracle:   oracle,
		Space:    space,
		Seed:     e.cfg.Seed,
		Store:    store,
		Observer: e.cfg.Observer,
		Logger:   e.cfg.Logger,
	})
	if err != nil {
		return ResultRow{}, err
	}

	executor := NewClassicalExecutor(e.cfg.Family, task.Kind)

	if _, err := session.Run(ctx, executor.Bind(train, valid)); err != nil {
		return ResultRow{}, fmt.Errorf("search: %w", err)
	}

	// The refit reads the persisted winner back from disk, the same path a
	// resumed run takes.
	var winner Configuration
	if err := store.LoadJSON(BestModelFile, &winner); err != nil {
		return ResultRow{}, err
	}

	metrics, err := e.scoreTest(winner, task.Kind, train, test)
	if err != nil {
		return ResultRow{}, err
	}

	row := ResultRow{
		Task:        id,
		Fingerprint: e.cfg.Method,
		Model:       e.cfg.Family.Name(),
		Metrics:     metrics,
	}

	if e.cfg.Results != nil {
		if err := e.cfg.Results.Append(row); err != nil {
			return ResultRow{}, err
		}
	}

	return row, nil
}

// scoreTest refits the winning configuration on the training split and
// scores the refit model once on the untouched test split with the metric
// panel of the task's kind.
func (e *TaskEvaluator) scoreTest(config Configuration, kind TaskKind, train, test SplitView) (map[string]float64, error) {
	model, err := e.cfg.Family.Build(config, kind)
	if err != nil {
		return nil, fmt.Errorf("refit build: %w", err)
	}

	if err := model.Fit(train.Features, train.Labels); err != nil {
		return nil, fmt.Errorf("refit: %w", err)
	}

	predictions, err := model.Predict(test.Features)
	if err != nil {
		return nil, fmt.Errorf("test predict: %w", err)
	}

	set, err := DefaultMetrics.Select(MetricNamesFor(kind)...)
	if err != nil {
		return nil, err
	}

	return set.Evaluate(predictions, test.Labels, nil)
}

// splitView resolves one split into model-ready features and aligned labels,
// dropping the label rows of records the cache flagged as uncomputable. For
// multi-instance tasks only records kept by BOTH resolutions survive, and
// their molecule and auxiliary vectors are fused, molecule first.
func (e *TaskEvaluator) splitView(ctx context.Context, task Task, split SplitName) (SplitView, error) {
	records := task.Data.Split(split)

	mol, err := e.cfg.Cache.Get(ctx, task.ID, split, e.cfg.Method, records)
	if err != nil {
		return SplitView{}, fmt.Errorf("%s representations: %w", split, err)
	}

	if !task.MultiInstance {
		return SplitView{
			Features: featureRows(mol.Vectors),
			Labels:   pickLabels(records, mol.Kept),
		}, nil
	}

	aux, err := e.cfg.Cache.GetAuxiliary(ctx, task.ID, split, e.cfg.AuxiliaryMethod, records)
	if err != nil {
		return SplitView{}, fmt.Errorf("%s auxiliary representations: %w", split, err)
	}

	molByIndex := vectorsByIndex(mol)
	auxByIndex := vectorsByIndex(aux)

	var (
		kept    []int
		molVecs []Representation
		auxVecs []Representation
	)

	for _, i := range mol.Kept {
		av, ok := auxByIndex[i]
		if !ok {
			continue
		}

		kept = append(kept, i)
		molVecs = append(molVecs, molByIndex[i])
		auxVecs = append(auxVecs, av)
	}

	fused, err := FuseRepresentations(molVecs, auxVecs)
	if err != nil {
		return SplitView{}, fmt.Errorf("%s fusion: %w", split, err)
	}

	return SplitView{
		Features: featureRows(fused),
		Labels:   pickLabels(records, kept),
	}, nil
}

func vectorsByIndex(result *RepresentationResult) map[int]Representation {
	byIndex := make(map[int]Representation, len(result.Kept))
	for pos, i := range result.Kept {
		byIndex[i] = result.Vectors[pos]
	}

	return byIndex
}

func pickLabels(records []Record, kept []int) []float64 {
	all := Labels(records)

	labels := make([]float64, len(kept))
	for pos, i := range kept {
		labels[pos] = all[i]
	}

	return labels
}

func featureRows(vectors []Representation) [][]float64 {
	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		rows[i] = v
	}

	return rows
}
