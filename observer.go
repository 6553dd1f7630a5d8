package peptune

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

//////
// Const, vars, types.
//////

// LogObserver is a TrialObserver that forwards events to structured logging.
type LogObserver struct {
	Logger *slog.Logger
}

// TrialStarted implements TrialObserver.
func (o LogObserver) TrialStarted(event TrialEvent) {
	o.Logger.Debug("trial started",
		slog.String("session", event.Session),
		slog.String("task", event.Task),
		slog.Int("trial", event.Trial))
}

// EpochEvaluated implements TrialObserver.
func (o LogObserver) EpochEvaluated(trial, epoch int, trainLoss, evalLoss float64) {
	o.Logger.Debug("epoch evaluated",
		slog.Int("trial", trial),
		slog.Int("epoch", epoch),
		slog.Float64("train_loss", trainLoss),
		slog.Float64("eval_loss", evalLoss))
}

// TrialCompleted implements TrialObserver.
func (o LogObserver) TrialCompleted(event TrialEvent) {
	if event.Penalized {
		o.Logger.Warn("trial penalized",
			slog.String("session", event.Session),
			slog.String("task", event.Task),
			slog.Int("trial", event.Trial),
			slog.String("error", event.Err.Error()))

		return
	}

	o.Logger.Info("trial completed",
		slog.String("session", event.Session),
		slog.String("task", event.Task),
		slog.Int("trial", event.Trial),
		slog.Float64("loss", event.Loss),
		slog.Float64("best_loss", event.BestLoss),
		slog.Bool("improved", event.Improved))
}

//////
// Curve writer.
//////

// JSONLCurveWriter records scalar curves as JSON lines, one object per
// recorded point.
type JSONLCurveWriter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

type curvePoint struct {
	Tag   string  `json:"tag"`
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// NewJSONLCurveWriterFactory returns a factory creating one curve file per
// trial under dir, in a "bilnLM_<trial>" subdirectory.
func NewJSONLCurveWriterFactory(dir string) CurveWriterFactory {
	return func(trial int) (CurveWriter, error) {
		trialDir := filepath.Join(dir, fmt.Sprintf("bilnLM_%d", trial))

		if err := os.MkdirAll(trialDir, 0o750); err != nil {
			return nil, fmt.Errorf("create curve directory %s: %w", trialDir, err)
		}

		f, err := os.Create(filepath.Join(trialDir, "scalars.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("create curve file: %w", err)
		}

		return &JSONLCurveWriter{f: f, enc: json.NewEncoder(f)}, nil
	}
}

// Scalar implements CurveWriter.
func (w *JSONLCurveWriter) Scalar(tag string, step int, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(curvePoint{Tag: tag, Step: step, Value: value}); err != nil {
		return fmt.Errorf("write curve point: %w", err)
	}

	return nil
}

// Close implements CurveWriter.
func (w *JSONLCurveWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.f.Close()
}
