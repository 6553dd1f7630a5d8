package peptune

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

//////
// Const, vars, types.
//////

// FamilyNeuralLM tags the neural-architecture-search variant: a byte-pair
// tokenizer retrained per trial plus a masked-language encoder sized by the
// sampled configuration.
const FamilyNeuralLM = "biln-lm"

// Tokenizer is the capability contract of a trained tokenizer: batch
// tokenization with padding and truncation to a fixed maximum length, plus
// serialization to durable storage.
type Tokenizer interface {
	// Encode tokenizes inputs into one padded batch, truncating each
	// sequence to maxLength tokens.
	Encode(inputs []string, maxLength int) (EncodedBatch, error)

	// VocabSize returns the trained vocabulary size.
	VocabSize() int

	// Serialize returns the tokenizer's durable representation.
	Serialize() ([]byte, error)
}

// TokenizerTrainer trains a tokenizer from scratch on a text corpus with a
// target vocabulary size. The neural executor invokes it once per trial.
type TokenizerTrainer interface {
	Train(ctx context.Context, corpus []string, vocabSize int) (Tokenizer, error)
}

// Encoder is the capability contract of a masked-language encoder under
// training: one optimization pass and one held-out evaluation per epoch, a
// parameter count for the persisted hyperparameters, and a serializable
// parameter state for checkpointing.
type Encoder interface {
	// TrainEpoch runs one optimization epoch and returns the training loss.
	TrainEpoch(ctx context.Context, batch EncodedBatch) (float64, error)

	// Evaluate returns the held-out loss without updating parameters.
	Evaluate(ctx context.Context, batch EncodedBatch) (float64, error)

	// ParameterCount returns the total number of model parameters.
	ParameterCount() int64

	// StateDict returns the serialized parameter state.
	StateDict() ([]byte, error)
}

// EncoderBuilder constructs an encoder from sampled architecture
// hyperparameters and the trained tokenizer's vocabulary size.
type EncoderBuilder interface {
	Build(params NeuralParams, vocabSize int) (Encoder, error)
}

// Device guards the accelerator owned exclusively by one trial at a time.
// Acquire blocks until the device is free and returns its release function;
// the executor guarantees release on every exit path, including failed and
// early-stopped trials, so device memory never accumulates across a
// multi-trial search.
type Device interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// NopDevice is a Device for host-only runs and tests.
type NopDevice struct{}

// Acquire implements Device.
func (NopDevice) Acquire(context.Context) (func(), error) {
	return func() {}, nil
}

// CurveWriter records per-trial scalar curves (the training and evaluation
// loss per epoch). One writer is scoped to one trial index and is always
// closed before the trial returns.
type CurveWriter interface {
	// Scalar records one named scalar at a step.
	Scalar(tag string, step int, value float64) error

	// Close releases the writer's resources.
	Close() error
}

// CurveWriterFactory allocates the per-trial curve writer.
type CurveWriterFactory func(trial int) (CurveWriter, error)

// NeuralParams is the schema-validated hyperparameter record of the neural
// variant. HiddenSize is derived: multiplier times attention heads, so the
// width always divides evenly across heads.
type NeuralParams struct {
	PositionEmbedding string  `json:"position_embedding_type" validate:"oneof=RoPE absolute relative_key relative_key_query"`
	Layers            int     `json:"num_hidden_layers"       validate:"min=1,max=32"`
	Heads             int     `json:"num_attention_heads"     validate:"min=1,max=64"`
	HiddenMultiplier  int     `json:"hidden_multiplier"       validate:"min=2,max=16"`
	VocabSize         int     `json:"vocab_size"              validate:"min=100,max=3000"`
	LearningRate      float64 `json:"learning_rate"           validate:"gt=0,lte=0.1"`
}

// HiddenSize returns the encoder width.
func (p NeuralParams) HiddenSize() int { return p.HiddenMultiplier * p.Heads }

// NeuralSearchSpace returns the neural variant's architecture search space.
func NeuralSearchSpace() SearchSpace {
	return SearchSpace{
		Family: FamilyNeuralLM,
		Parameters: []Parameter{
			CategoricalParameter("position_embedding_type", "RoPE", "absolute", "relative_key", "relative_key_query"),
			IntParameter("num_hidden_layers", 1, 32),
			IntParameter("num_attention_heads", 1, 64),
			IntParameter("hidden_multiplier", 2, 16),
			IntParameter("vocab_size", 100, 3000),
			LogFloatParameter("learning_rate", 1e-7, 1e-1),
		},
	}
}

// DecodeNeuralParams extracts and validates neural hyperparameters from a
// sampled configuration.
func DecodeNeuralParams(config Configuration) (NeuralParams, error) {
	var p NeuralParams

	var ok bool
	if p.PositionEmbedding, ok = config.String("position_embedding_type"); !ok {
		return NeuralParams{}, invalidConfigf("biln-lm: missing position_embedding_type")
	}

	if p.Layers, ok = config.Int("num_hidden_layers"); !ok {
		return NeuralParams{}, invalidConfigf("biln-lm: missing num_hidden_layers")
	}

	if p.Heads, ok = config.Int("num_attention_heads"); !ok {
		return NeuralParams{}, invalidConfigf("biln-lm: missing num_attention_heads")
	}

	if p.HiddenMultiplier, ok = config.Int("hidden_multiplier"); !ok {
		return NeuralParams{}, invalidConfigf("biln-lm: missing hidden_multiplier")
	}

	if p.VocabSize, ok = config.Int("vocab_size"); !ok {
		return NeuralParams{}, invalidConfigf("biln-lm: missing vocab_size")
	}

	if p.LearningRate, ok = config.Float("learning_rate"); !ok {
		return NeuralParams{}, invalidConfigf("biln-lm: missing learning_rate")
	}

	if err := validate.Struct(p); err != nil {
		return NeuralParams{}, invalidConfigf("biln-lm: %v", err)
	}

	return p, nil
}

// NeuralArtifact reconstructs a neural incumbent: architecture plus learning
// rate and derived parameter count, the serialized tokenizer, and the
// serialized weights.
type NeuralArtifact struct {
	HParams   map[string]any
	Tokenizer []byte
	Weights   []byte
}

// Persist implements Artifact, writing the three-file neural layout.
func (a NeuralArtifact) Persist(store *ArtifactStore) error {
	if err := store.SaveJSON(BestHParamsFile, a.HParams); err != nil {
		return err
	}

	if err := store.SaveBytes(BestTokenizerFile, a.Tokenizer); err != nil {
		return err
	}

	return store.SaveBytes(BestWeightsFile, a.Weights)
}

// NeuralExecutorConfig wires the neural trial executor's collaborators and
// its inner-loop bounds.
type NeuralExecutorConfig struct {
	// Trainer retrains the tokenizer from scratch each trial.
	Trainer TokenizerTrainer

	// Builder constructs the encoder from sampled hyperparameters.
	Builder EncoderBuilder

	// Device guards the accelerator. Defaults to NopDevice.
	Device Device

	// Observer receives per-epoch events. Defaults to NopObserver.
	Observer TrialObserver

	// Curves allocates the per-trial scalar-curve writer. Optional.
	Curves CurveWriterFactory

	// Epochs bounds the inner training loop. Defaults to 10.
	Epochs int

	// Patience is the early-stopping window: the loop terminates when the
	// held-out loss fails to improve for this many consecutive epochs.
	// Defaults to 3.
	Patience int

	// MaxLength is the tokenization truncation bound. Defaults to 256.
	MaxLength int

	// Logger receives trial lifecycle logs. Optional.
	Logger *slog.Logger
}

// NeuralExecutor runs one neural trial: retrain the tokenizer, build the
// encoder, run the bounded inner training loop with early stopping, and
// report the best held-out loss reached within the trial.
type NeuralExecutor struct {
	cfg NeuralExecutorConfig
}

//////
// Factory.
//////

// NewNeuralExecutor creates a neural executor, applying defaults for unset
// bounds and collaborators. Trainer and Builder are required.
func NewNeuralExecutor(cfg NeuralExecutorConfig) (*NeuralExecutor, error) {
	if cfg.Trainer == nil || cfg.Builder == nil {
		return nil, fmt.Errorf("neural executor requires a tokenizer trainer and an encoder builder")
	}

	if cfg.Device == nil {
		cfg.Device = NopDevice{}
	}

	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}

	if cfg.Epochs <= 0 {
		cfg.Epochs = 10
	}

	if cfg.Patience <= 0 {
		cfg.Patience = 3
	}

	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 256
	}

	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	return &NeuralExecutor{cfg: cfg}, nil
}

//////
// Methods.
//////

// Run executes one neural trial over raw text corpora.
//
// The reported loss is the minimum held-out loss over the epoch history
// ("best epoch within a trial"); early stopping merely truncates the
// history. The device lease and the per-trial curve writer are released on
// every exit path.
func (e *NeuralExecutor) Run(ctx context.Context, trial int, config Configuration, trainTexts, validTexts []string) (float64, Artifact, error) {
	params, err := DecodeNeuralParams(config)
	if err != nil {
		return 0, nil, err
	}

	release, err := e.cfg.Device.Acquire(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("acquire device: %w", err)
	}
	defer release()

	var curves CurveWriter
	if e.cfg.Curves != nil {
		curves, err = e.cfg.Curves(trial)
		if err != nil {
			return 0, nil, fmt.Errorf("open curve writer: %w", err)
		}
		defer curves.Close()
	}

	tokenizer, err := e.cfg.Trainer.Train(ctx, trainTexts, params.VocabSize)
	if err != nil {
		return 0, nil, fmt.Errorf("train tokenizer: %w", err)
	}

	encoder, err := e.cfg.Builder.Build(params, tokenizer.VocabSize())
	if err != nil {
		return 0, nil, fmt.Errorf("build encoder: %w", err)
	}

	e.cfg.Logger.Info("trial model built",
		slog.Int("trial", trial),
		slog.Int64("parameters", encoder.ParameterCount()),
		slog.Int("hidden_size", params.HiddenSize()))

	trainBatch, err := tokenizer.Encode(trainTexts, e.cfg.MaxLength)
	if err != nil {
		return 0, nil, fmt.Errorf("encode train corpus: %w", err)
	}

	validBatch, err := tokenizer.Encode(validTexts, e.cfg.MaxLength)
	if err != nil {
		return 0, nil, fmt.Errorf("encode valid corpus: %w", err)
	}

	best := math.MaxFloat64
	sinceImprovement := 0

	var bestWeights []byte

	for epoch := 0; epoch < e.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		trainLoss, err := encoder.TrainEpoch(ctx, trainBatch)
		if err != nil {
			return 0, nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		evalLoss, err := encoder.Evaluate(ctx, validBatch)
		if err != nil {
			return 0, nil, fmt.Errorf("epoch %d eval: %w", epoch, err)
		}

		if curves != nil {
			if err := curves.Scalar("loss/train", epoch, trainLoss); err != nil {
				return 0, nil, fmt.Errorf("write curve: %w", err)
			}

			if err := curves.Scalar("loss/eval", epoch, evalLoss); err != nil {
				return 0, nil, fmt.Errorf("write curve: %w", err)
			}
		}

		e.cfg.Observer.EpochEvaluated(trial, epoch, trainLoss, evalLoss)

		if evalLoss < best {
			best = evalLoss
			sinceImprovement = 0

			// The reported loss is this epoch's, so the persisted weights
			// must be this epoch's too, not whatever state the encoder is in
			// when early stopping fires.
			bestWeights, err = encoder.StateDict()
			if err != nil {
				return 0, nil, fmt.Errorf("serialize weights at epoch %d: %w", epoch, err)
			}
		} else {
			sinceImprovement++
			if sinceImprovement >= e.cfg.Patience {
				break
			}
		}
	}

	tokenizerBlob, err := tokenizer.Serialize()
	if err != nil {
		return 0, nil, fmt.Errorf("serialize tokenizer: %w", err)
	}

	artifact := NeuralArtifact{
		HParams: map[string]any{
			"position_embedding_type": params.PositionEmbedding,
			"num_hidden_layers":       params.Layers,
			"num_attention_heads":     params.Heads,
			"hidden_size":             params.HiddenSize(),
			"vocab_size":              params.VocabSize,
			"learning_rate":           params.LearningRate,
			"model_size":              encoder.ParameterCount(),
		},
		Tokenizer: tokenizerBlob,
		Weights:   bestWeights,
	}

	return best, artifact, nil
}

// Bind closes the executor over fixed corpora, producing the TrialFunc shape
// the search session drives.
func (e *NeuralExecutor) Bind(trainTexts, validTexts []string) TrialFunc {
	return func(ctx context.Context, trial int, config Configuration) (float64, Artifact, error) {
		return e.Run(ctx, trial, config, trainTexts, validTexts)
	}
}
