package peptune

//////
// Const, vars, types.
//////

// TaskKind identifies the loss/metric family a task belongs to. Every task is
// either a regression task (scored with RMSE and correlation coefficients) or
// a classification task (scored with accuracy, Matthews correlation and F1).
type TaskKind int

const (
	// Regression tasks report RMSE as the search loss and {rmse, pcc, spcc}
	// on the held-out test split.
	Regression TaskKind = iota

	// Classification tasks report negated Matthews correlation as the search
	// loss (so that lower-is-better holds uniformly) and {acc, mcc, f1} on
	// the held-out test split.
	Classification
)

// String returns the lowercase name of the task kind.
func (k TaskKind) String() string {
	switch k {
	case Regression:
		return "regression"
	case Classification:
		return "classification"
	default:
		return "unknown"
	}
}

// SplitName identifies one of the three dataset splits owned by a task.
type SplitName string

const (
	// SplitTrain is the split models are fitted on during trials and refit
	// on after the search budget is exhausted.
	SplitTrain SplitName = "train"

	// SplitValid is the split trial losses are computed on.
	SplitValid SplitName = "valid"

	// SplitTest is the untouched split the winning configuration is scored
	// on exactly once, after the search.
	SplitTest SplitName = "test"
)

// Task taxonomy. The benchmark's task list is fixed and must be reproduced
// exactly; see Tasks for the default evaluation order.
var (
	// RegressionTasks are the tasks whose labels are continuous.
	RegressionTasks = []string{"c-binding", "nc-binding", "nc-cpp"}

	// ClassificationTasks are the tasks whose labels are class indices.
	ClassificationTasks = []string{"c-sol", "c-cpp"}

	// MultiInstanceTasks are the tasks whose model input fuses a molecule
	// representation with an auxiliary protein representation.
	MultiInstanceTasks = []string{"c-binding", "nc-binding"}

	// Tasks is the default evaluation order: regression tasks first, then
	// classification tasks.
	Tasks = append(append([]string{}, RegressionTasks...), ClassificationTasks...)
)

// KindOf returns the kind of a known task ID.
//
// Returns:
// - TaskKind: The kind of the task.
// - bool: false if the ID is not part of the fixed taxonomy.
func KindOf(taskID string) (TaskKind, bool) {
	for _, id := range RegressionTasks {
		if id == taskID {
			return Regression, true
		}
	}

	for _, id := range ClassificationTasks {
		if id == taskID {
			return Classification, true
		}
	}

	return 0, false
}

// IsMultiInstance reports whether a task requires auxiliary-representation
// fusion before any model sees its data.
func IsMultiInstance(taskID string) bool {
	for _, id := range MultiInstanceTasks {
		if id == taskID {
			return true
		}
	}

	return false
}

// Record is one row of a task's dataset: the raw molecule input, an optional
// auxiliary (protein) input for multi-instance tasks, and the label.
//
// Records are immutable for the duration of a search. The ID is stable within
// the task and is used to flag dropped records.
type Record struct {
	// ID is a stable identifier for the record within its task.
	ID string

	// Input is the raw molecule representation (e.g. a SMILES string).
	Input string

	// Auxiliary is the raw auxiliary entity (e.g. a protein sequence).
	// Empty for single-instance tasks.
	Auxiliary string

	// Label is the supervised target. For classification tasks it holds the
	// class index as a float.
	Label float64
}

// Dataset is the split triple owned by one task.
type Dataset struct {
	Train []Record
	Valid []Record
	Test  []Record
}

// Split returns the records of the named split.
func (d Dataset) Split(name SplitName) []Record {
	switch name {
	case SplitTrain:
		return d.Train
	case SplitValid:
		return d.Valid
	case SplitTest:
		return d.Test
	default:
		return nil
	}
}

// Task is one evaluation task: an identifier, its kind, whether it is
// multi-instance, and its dataset splits. Created at load time from a stored
// table and immutable for the duration of a search.
type Task struct {
	// ID is the task identifier, e.g. "c-binding".
	ID string

	// Kind selects the loss/metric family.
	Kind TaskKind

	// MultiInstance reports whether models consume fused molecule+auxiliary
	// vectors.
	MultiInstance bool

	// Data holds the train/valid/test records.
	Data Dataset
}

// Labels extracts the labels of a record sequence, preserving order.
func Labels(records []Record) []float64 {
	labels := make([]float64, len(records))
	for i, r := range records {
		labels[i] = r.Label
	}

	return labels
}

// Representation is a fixed-length numeric feature vector attached to one
// record. Once computed for a given (task, split, method) it is treated as
// immutable and cacheable.
type Representation []float64

//////
// Observability.
//////

// TrialEvent describes the outcome of one trial inside a search session.
//
// Events are emitted by the session after every trial, regardless of outcome.
// They exist so that the optimization loop stays separated from telemetry:
// the loop only talks to a TrialObserver, never to a logging backend.
type TrialEvent struct {
	// Session is the ID of the owning search session.
	Session string

	// Task is the ID of the task under evaluation.
	Task string

	// Trial is the zero-based trial index within the session.
	Trial int

	// Config is the sampled configuration evaluated by this trial.
	Config Configuration

	// Loss is the observed loss (lower is better). For penalized trials this
	// holds the failure penalty, not a real validation loss.
	Loss float64

	// BestLoss is the incumbent loss after this trial was observed.
	// math.MaxFloat64 while no incumbent exists.
	BestLoss float64

	// Improved reports whether this trial replaced the incumbent.
	Improved bool

	// Penalized reports whether the trial failed and was converted into a
	// worst-case observation.
	Penalized bool

	// Err holds the failure that caused the penalty, nil otherwise.
	Err error
}

// TrialObserver receives structured events about each trial. Implementations
// must be cheap and must not fail the search; they are invoked synchronously
// from the search loop.
//
// The neural trial executor additionally emits one EpochEvaluated call per
// inner-loop epoch so that scalar curves can be written per trial.
type TrialObserver interface {
	// TrialStarted is invoked before a trial's executor runs. Implementations
	// that allocate per-trial resources (curve files, writers) do so here.
	TrialStarted(event TrialEvent)

	// EpochEvaluated is invoked by nested training loops after each epoch's
	// held-out evaluation.
	EpochEvaluated(trial, epoch int, trainLoss, evalLoss float64)

	// TrialCompleted is invoked exactly once per trial on every exit path,
	// including penalized trials. Implementations release per-trial
	// resources here.
	TrialCompleted(event TrialEvent)
}

// NopObserver is a TrialObserver that discards all events.
type NopObserver struct{}

// TrialStarted implements TrialObserver.
func (NopObserver) TrialStarted(TrialEvent) {}

// EpochEvaluated implements TrialObserver.
func (NopObserver) EpochEvaluated(int, int, float64, float64) {}

// TrialCompleted implements TrialObserver.
func (NopObserver) TrialCompleted(TrialEvent) {}
