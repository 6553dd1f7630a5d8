package peptune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

//////
// Const, vars, types.
//////

// SessionConfig configures one search session.
type SessionConfig struct {
	// Task is the ID of the task under evaluation, carried into events.
	Task string

	// Trials is the search budget. Defaults to 10.
	Trials int

	// Oracle proposes configurations. Defaults to a RandomOracle over Space.
	Oracle TrialOracle

	// Space is the search space of the default oracle. Required when Oracle
	// is nil.
	Space SearchSpace

	// Seed seeds the default oracle. 0 means time-based.
	Seed int64

	// Store receives incumbent artifacts. Required.
	Store *ArtifactStore

	// Observer receives trial events. Defaults to NopObserver.
	Observer TrialObserver

	// Logger receives search progress logs. Optional.
	Logger *slog.Logger
}

// Session owns the state of one hyperparameter search: the trial counter, the
// proposal oracle and the incumbent tracker. Nothing here is global; two
// concurrent sessions never share state.
type Session struct {
	id       string
	cfg      SessionConfig
	oracle   TrialOracle
	tracker  *IncumbentTracker
	observer TrialObserver
	logger   *slog.Logger
}

//////
// Factory.
//////

// NewSession creates a search session, applying defaults for unset
// collaborators.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("session requires an artifact store")
	}

	if cfg.Trials <= 0 {
		cfg.Trials = 10
	}

	oracle := cfg.Oracle
	if oracle == nil {
		if len(cfg.Space.Parameters) == 0 {
			return nil, errors.New("session requires an oracle or a non-empty search space")
		}

		oracle = NewRandomOracle(cfg.Space, cfg.Seed)
	}

	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}

	return &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		oracle:   oracle,
		tracker:  NewIncumbentTracker(cfg.Store),
		observer: observer,
		logger:   logger,
	}, nil
}

//////
// Methods.
//////

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Tracker returns the session's incumbent tracker.
func (s *Session) Tracker() *IncumbentTracker { return s.tracker }

// Run drives the search loop for the configured budget: propose, evaluate,
// observe, repeat.
//
// A failed trial does not abort the search: its error is logged, the trial is
// recorded against the oracle with the failure penalty, and the loop
// continues. The incumbent is never updated from a penalized trial. Artifact
// persistence failures ARE fatal: continuing would risk reporting a winner
// whose artifacts are not on disk.
//
// Returns:
// - Incumbent: The best configuration observed, with its persisted artifact.
// - error: Context cancellation, a persistence failure, or the absence of any
//   successful trial.
func (s *Session) Run(ctx context.Context, fn TrialFunc) (Incumbent, error) {
	for trial := 0; trial < s.cfg.Trials; trial++ {
		if err := ctx.Err(); err != nil {
			return Incumbent{}, err
		}

		config, err := s.oracle.Propose(ctx)
		if err != nil {
			return Incumbent{}, fmt.Errorf("propose trial %d: %w", trial, err)
		}

		s.observer.TrialStarted(TrialEvent{
			Session:  s.id,
			Task:     s.cfg.Task,
			Trial:    trial,
			Config:   config,
			BestLoss: s.tracker.BestLoss(),
		})

		loss, artifact, err := fn(ctx, trial, config)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Incumbent{}, err
			}

			trialErr := &TrialError{Trial: trial, Err: err}

			s.logger.Warn("trial failed, penalizing",
				slog.String("session", s.id),
				slog.Int("trial", trial),
				slog.String("error", err.Error()))

			s.oracle.Observe(config, FailurePenalty)

			s.observer.TrialCompleted(TrialEvent{
				Session:   s.id,
				Task:      s.cfg.Task,
				Trial:     trial,
				Config:    config,
				Loss:      FailurePenalty,
				BestLoss:  s.tracker.BestLoss(),
				Penalized: true,
				Err:       trialErr,
			})

			continue
		}

		improved, err := s.tracker.Observe(config, loss, artifact)
		if err != nil {
			return Incumbent{}, fmt.Errorf("trial %d: %w", trial, err)
		}

		s.oracle.Observe(config, loss)

		if improved {
			s.logger.Info("new incumbent",
				slog.String("session", s.id),
				slog.Int("trial", trial),
				slog.Float64("loss", loss))
		}

		s.observer.TrialCompleted(TrialEvent{
			Session:  s.id,
			Task:     s.cfg.Task,
			Trial:    trial,
			Config:   config,
			Loss:     loss,
			BestLoss: s.tracker.BestLoss(),
			Improved: improved,
		})
	}

	best, ok := s.tracker.Best()
	if !ok {
		return Incumbent{}, fmt.Errorf("no successful trial in %d attempts", s.cfg.Trials)
	}

	return best, nil
}
