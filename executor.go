package peptune

import (
	"context"
	"fmt"
)

//////
// Const, vars, types.
//////

// SplitView is a split projected into model-ready form: feature rows aligned
// with labels, dropped records already filtered out by the caller.
type SplitView struct {
	Features [][]float64
	Labels   []float64
}

// Rows returns the number of records in the view.
func (v SplitView) Rows() int { return len(v.Features) }

// TrialFunc evaluates one sampled configuration and reports its scalar loss
// plus the artifact needed to reconstruct the model. The session drives it
// once per trial; any returned error makes the trial penalized, not the
// search fatal.
type TrialFunc func(ctx context.Context, trial int, config Configuration) (loss float64, artifact Artifact, err error)

// ClassicalExecutor runs one classical-model trial: construct the model from
// the configuration's hyperparameters, fit once on train, predict on valid,
// and report RMSE (regression) or negated Matthews correlation
// (classification) so that lower-is-better holds uniformly.
type ClassicalExecutor struct {
	family ModelFamily
	kind   TaskKind
}

//////
// Factory.
//////

// NewClassicalExecutor creates an executor for one (family, task kind) pair.
// The family is selected once here, not re-branched per trial.
func NewClassicalExecutor(family ModelFamily, kind TaskKind) *ClassicalExecutor {
	return &ClassicalExecutor{family: family, kind: kind}
}

//////
// Methods.
//////

// Run executes one trial against the given splits.
//
// Returns:
// - float64: The validation loss (lower is better).
// - Artifact: A ClassicalArtifact holding the configuration.
// - error: ErrInvalidConfiguration for degenerate hyperparameters, or the
//   underlying fit/predict failure. Callers convert errors into penalized
//   observations.
func (e *ClassicalExecutor) Run(ctx context.Context, config Configuration, train, valid SplitView) (float64, Artifact, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	model, err := e.family.Build(config, e.kind)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s: %w", e.family.Name(), err)
	}

	if err := model.Fit(train.Features, train.Labels); err != nil {
		return 0, nil, fmt.Errorf("fit %s: %w", e.family.Name(), err)
	}

	predictions, err := model.Predict(valid.Features)
	if err != nil {
		return 0, nil, fmt.Errorf("predict %s: %w", e.family.Name(), err)
	}

	loss, err := SearchLoss(e.kind, predictions, valid.Labels)
	if err != nil {
		return 0, nil, err
	}

	return loss, ClassicalArtifact{Config: config}, nil
}

// Bind closes the executor over fixed splits, producing the TrialFunc shape
// the search session drives.
func (e *ClassicalExecutor) Bind(train, valid SplitView) TrialFunc {
	return func(ctx context.Context, _ int, config Configuration) (float64, Artifact, error) {
		return e.Run(ctx, config, train, valid)
	}
}

// SearchLoss computes the uniform lower-is-better search loss of a task
// kind: RMSE for regression, negated Matthews correlation for
// classification.
func SearchLoss(kind TaskKind, predictions, references []float64) (float64, error) {
	if kind == Regression {
		loss, err := RMSE(predictions, references, nil)
		if err != nil {
			return 0, fmt.Errorf("search loss: %w", err)
		}

		return loss, nil
	}

	mcc, err := MCC(predictions, references, nil)
	if err != nil {
		return 0, fmt.Errorf("search loss: %w", err)
	}

	return -mcc, nil
}
