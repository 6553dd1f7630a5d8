package peptune

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenizer pads nothing and reports a fixed vocabulary.
type fakeTokenizer struct {
	vocab int
}

func (f fakeTokenizer) Encode(inputs []string, _ int) (EncodedBatch, error) {
	batch := EncodedBatch{IDs: make([][]int, len(inputs)), Mask: make([][]int, len(inputs))}
	for i := range inputs {
		batch.IDs[i] = []int{i}
		batch.Mask[i] = []int{1}
	}

	return batch, nil
}

func (f fakeTokenizer) VocabSize() int { return f.vocab }
func (f fakeTokenizer) Serialize() ([]byte, error) { return []byte(`{"vocab":true}`), nil }

// fakeTrainer hands out fakeTokenizers and records the requested vocab size.
type fakeTrainer struct {
	calls     int
	lastVocab int
}

func (f *fakeTrainer) Train(_ context.Context, _ []string, vocabSize int) (Tokenizer, error) {
	f.calls++
	f.lastVocab = vocabSize

	return fakeTokenizer{vocab: vocabSize}, nil
}

// fakeEncoder replays a scripted eval-loss sequence. With stamp set, its
// serialized state names the epoch it was taken after, so tests can tell
// which epoch's weights ended up in the artifact.
type fakeEncoder struct {
	evalLosses []float64
	epoch      int
	failTrain  bool
	stamp      bool
}

func (f *fakeEncoder) TrainEpoch(context.Context, EncodedBatch) (float64, error) {
	if f.failTrain {
		return 0, fmt.Errorf("numerical blowup")
	}

	return 0.5, nil
}

func (f *fakeEncoder) Evaluate(context.Context, EncodedBatch) (float64, error) {
	loss := f.evalLosses[f.epoch]
	f.epoch++

	return loss, nil
}

func (f *fakeEncoder) ParameterCount() int64 { return 12345 }

func (f *fakeEncoder) StateDict() ([]byte, error) {
	if f.stamp {
		return []byte(fmt.Sprintf("weights-after-epoch-%d", f.epoch-1)), nil
	}

	return []byte{0xCA, 0xFE}, nil
}

// fakeBuilder hands out a shared encoder.
type fakeBuilder struct {
	encoder *fakeEncoder
	params  NeuralParams
}

func (f *fakeBuilder) Build(params NeuralParams, _ int) (Encoder, error) {
	f.params = params

	return f.encoder, nil
}

// countingDevice tracks the lease balance.
type countingDevice struct {
	acquired int
	released int
}

func (d *countingDevice) Acquire(context.Context) (func(), error) {
	d.acquired++

	return func() { d.released++ }, nil
}

// countingCurves tracks per-trial writer lifecycles.
type countingCurves struct {
	points int
	closed int
}

func (c *countingCurves) Scalar(string, int, float64) error {
	c.points++

	return nil
}

func (c *countingCurves) Close() error {
	c.closed++

	return nil
}

func neuralTestConfig() Configuration {
	return NewConfiguration(FamilyNeuralLM, map[string]any{
		"position_embedding_type": "absolute",
		"num_hidden_layers":       2,
		"num_attention_heads":     2,
		"hidden_multiplier":       2,
		"vocab_size":              200,
		"learning_rate":           1e-3,
	})
}

func TestNeuralExecutorBestEpochLoss(t *testing.T) {
	encoder := &fakeEncoder{evalLosses: []float64{1.0, 0.6, 0.8, 0.7, 0.4, 0.9}}
	device := &countingDevice{}
	curves := &countingCurves{}

	executor, err := NewNeuralExecutor(NeuralExecutorConfig{
		Trainer: &fakeTrainer{},
		Builder: &fakeBuilder{encoder: encoder},
		Device:  device,
		Curves:  func(int) (CurveWriter, error) { return curves, nil },
		Epochs:  6,
	})
	require.NoError(t, err)

	loss, artifact, err := executor.Run(context.Background(), 0, neuralTestConfig(), []string{"AAA"}, []string{"BBB"})
	require.NoError(t, err)

	// The trial's loss is the minimum of the eval history, not the last epoch.
	assert.Equal(t, 0.4, loss)
	assert.Equal(t, 6, encoder.epoch)

	neural, ok := artifact.(NeuralArtifact)
	require.True(t, ok)
	assert.Equal(t, 4, neural.HParams["hidden_size"])
	assert.Equal(t, int64(12345), neural.HParams["model_size"])
	assert.Equal(t, []byte{0xCA, 0xFE}, neural.Weights)

	assert.Equal(t, 1, device.acquired)
	assert.Equal(t, 1, device.released)
	assert.Equal(t, 1, curves.closed)
	assert.Equal(t, 12, curves.points)
}

func TestNeuralExecutorEarlyStopping(t *testing.T) {
	// Best at epoch 1; epochs 2-4 fail to improve and patience is 3.
	encoder := &fakeEncoder{evalLosses: []float64{1.0, 0.5, 0.6, 0.7, 0.8, 0.2, 0.2, 0.2, 0.2, 0.2}}

	executor, err := NewNeuralExecutor(NeuralExecutorConfig{
		Trainer: &fakeTrainer{},
		Builder: &fakeBuilder{encoder: encoder},
	})
	require.NoError(t, err)

	loss, _, err := executor.Run(context.Background(), 0, neuralTestConfig(), []string{"AAA"}, []string{"BBB"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, loss)
	assert.Equal(t, 5, encoder.epoch)
}

func TestNeuralExecutorPersistsBestEpochWeights(t *testing.T) {
	// Best at epoch 1; early stopping fires three non-improving epochs later,
	// leaving the encoder in a strictly worse state than the one reported.
	encoder := &fakeEncoder{evalLosses: []float64{1.0, 0.5, 0.9, 0.9, 0.9}, stamp: true}

	executor, err := NewNeuralExecutor(NeuralExecutorConfig{
		Trainer: &fakeTrainer{},
		Builder: &fakeBuilder{encoder: encoder},
	})
	require.NoError(t, err)

	loss, artifact, err := executor.Run(context.Background(), 0, neuralTestConfig(), []string{"AAA"}, []string{"BBB"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, loss)
	assert.Equal(t, 5, encoder.epoch)

	// The persisted weights belong to the epoch that produced the reported
	// loss, not to the last epoch run.
	neural, ok := artifact.(NeuralArtifact)
	require.True(t, ok)
	assert.Equal(t, "weights-after-epoch-1", string(neural.Weights))
}

func TestNeuralExecutorReleasesOnFailure(t *testing.T) {
	encoder := &fakeEncoder{failTrain: true}
	device := &countingDevice{}
	curves := &countingCurves{}

	executor, err := NewNeuralExecutor(NeuralExecutorConfig{
		Trainer: &fakeTrainer{},
		Builder: &fakeBuilder{encoder: encoder},
		Device:  device,
		Curves:  func(int) (CurveWriter, error) { return curves, nil },
	})
	require.NoError(t, err)

	_, _, err = executor.Run(context.Background(), 0, neuralTestConfig(), []string{"AAA"}, []string{"BBB"})
	require.Error(t, err)

	// Device lease and curve writer are released on the failure path too.
	assert.Equal(t, 1, device.released)
	assert.Equal(t, 1, curves.closed)
}

func TestNeuralExecutorRejectsBadConfig(t *testing.T) {
	device := &countingDevice{}

	executor, err := NewNeuralExecutor(NeuralExecutorConfig{
		Trainer: &fakeTrainer{},
		Builder: &fakeBuilder{encoder: &fakeEncoder{}},
		Device:  device,
	})
	require.NoError(t, err)

	bad := NewConfiguration(FamilyNeuralLM, map[string]any{"vocab_size": 200})

	_, _, err = executor.Run(context.Background(), 0, bad, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	// Decoding fails before any device lease.
	assert.Equal(t, 0, device.acquired)
}

func TestNeuralExecutorRetrainsTokenizerPerTrial(t *testing.T) {
	trainer := &fakeTrainer{}
	builder := &fakeBuilder{encoder: &fakeEncoder{evalLosses: []float64{1, 1, 1, 1}}}

	executor, err := NewNeuralExecutor(NeuralExecutorConfig{
		Trainer: trainer,
		Builder: builder,
		Epochs:  1,
	})
	require.NoError(t, err)

	fn := executor.Bind([]string{"AAA"}, []string{"BBB"})

	for trial := 0; trial < 3; trial++ {
		builder.encoder.epoch = 0

		_, _, err := fn(context.Background(), trial, neuralTestConfig())
		require.NoError(t, err)
	}

	assert.Equal(t, 3, trainer.calls)
	assert.Equal(t, 200, trainer.lastVocab)
}

func TestNeuralSearchSpaceShape(t *testing.T) {
	space := NeuralSearchSpace()
	assert.Equal(t, FamilyNeuralLM, space.Family)

	names := make([]string, len(space.Parameters))
	for i, p := range space.Parameters {
		names[i] = p.Name
	}

	assert.Contains(t, names, "position_embedding_type")
	assert.Contains(t, names, "vocab_size")
	assert.Contains(t, names, "learning_rate")
}

func TestNeuralArtifactLayout(t *testing.T) {
	store, err := NewArtifactStore(t.TempDir())
	require.NoError(t, err)

	artifact := NeuralArtifact{
		HParams:   map[string]any{"vocab_size": 200},
		Tokenizer: []byte(`{"vocab":true}`),
		Weights:   []byte{1, 2, 3},
	}

	require.NoError(t, artifact.Persist(store))

	var hparams map[string]any
	require.NoError(t, store.LoadJSON(BestHParamsFile, &hparams))
	assert.Equal(t, 200.0, hparams["vocab_size"])

	tok, err := store.LoadBytes(BestTokenizerFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"vocab":true}`, string(tok))

	weights, err := store.LoadBytes(BestWeightsFile)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, weights)
}
