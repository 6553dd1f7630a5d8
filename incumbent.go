package peptune

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

// Artifact is whatever a trial executor judges necessary to reconstruct its
// model: for classical models just the configuration, for neural models the
// serialized tokenizer and weights as well. Persist must be atomic per file
// and must not return until the artifact is durable.
type Artifact interface {
	Persist(store *ArtifactStore) error
}

// ClassicalArtifact reconstructs a classical model from its hyperparameters
// and model-family tag alone. Persisted as best_model.json.
type ClassicalArtifact struct {
	// Config is the winning configuration, carrying its family tag.
	Config Configuration
}

// Persist implements Artifact.
func (a ClassicalArtifact) Persist(store *ArtifactStore) error {
	return store.SaveJSON(BestModelFile, a.Config)
}

// Incumbent is the best (configuration, loss, artifact) triple observed so
// far in one search. Its loss strictly decreases across updates.
type Incumbent struct {
	// Config is the configuration that achieved the loss.
	Config Configuration

	// Loss is the observed validation loss, lower-is-better.
	Loss float64

	// Artifact reconstructs the winning model.
	Artifact Artifact
}

// IncumbentTracker holds the best-loss-so-far of one ongoing search and
// persists the incumbent's artifacts to durable storage synchronously on
// every strict improvement (not batched), so a crash after trial N leaves
// the best-of-{1..N} artifact on disk.
//
// State machine: {empty, holding}. The first observation transitions
// empty → holding; later observations either replace the incumbent (strict
// improvement) or are discarded. There is no holding → empty transition.
//
// Thread safety:
// - Observe and Best are mutex-guarded, but one tracker belongs to exactly
//   one search; concurrent searches need their own trackers.
type IncumbentTracker struct {
	mu    sync.Mutex
	store *ArtifactStore
	best  *Incumbent
}

//////
// Factory.
//////

// NewIncumbentTracker creates an empty tracker persisting into the given
// artifact store.
func NewIncumbentTracker(store *ArtifactStore) *IncumbentTracker {
	return &IncumbentTracker{store: store}
}

//////
// Methods.
//////

// Observe offers one trial outcome to the tracker.
//
// If the loss strictly improves on the held incumbent (or the tracker is
// empty), the artifact is persisted first and the incumbent replaced only
// after persistence succeeded: an unpersisted incumbent is never held, so it
// can never be reported as the winner.
//
// Returns:
// - bool: true if the incumbent was replaced.
// - error: ErrArtifactPersistence-wrapped failure; fatal to the enclosing
//   search.
func (t *IncumbentTracker) Observe(config Configuration, loss float64, artifact Artifact) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.best != nil && loss >= t.best.Loss {
		return false, nil
	}

	if artifact == nil {
		return false, persistencef("nil artifact for improving loss %g", loss)
	}

	if err := artifact.Persist(t.store); err != nil {
		if !errors.Is(err, ErrArtifactPersistence) {
			err = fmt.Errorf("%w: %v", ErrArtifactPersistence, err)
		}

		return false, err
	}

	t.best = &Incumbent{Config: config, Loss: loss, Artifact: artifact}

	return true, nil
}

// Best returns the held incumbent.
//
// Returns:
// - Incumbent: The current best triple.
// - bool: false while the tracker is empty.
func (t *IncumbentTracker) Best() (Incumbent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.best == nil {
		return Incumbent{}, false
	}

	return *t.best, true
}

// BestLoss returns the held loss, or MaxFloat64 while empty. Convenient for
// event emission.
func (t *IncumbentTracker) BestLoss() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.best == nil {
		return math.MaxFloat64
	}

	return t.best.Loss
}
