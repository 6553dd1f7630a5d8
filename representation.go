package peptune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

//////
// Const, vars, types.
//////

// Fingerprinter computes one fixed-length structural fingerprint per raw
// input. Implementations live outside this module (the chemistry is an
// external collaborator); the cache only requires determinism and an error
// for unparseable inputs.
type Fingerprinter interface {
	// Compute returns the fingerprint of one raw input, or an error wrapping
	// ErrRepresentationCompute when the input cannot be parsed into a valid
	// molecular structure.
	Compute(input string) ([]float64, error)
}

// MinHashFactory builds a hashed fingerprint strategy parameterized by
// radius and bit width, both parsed from the method identifier
// (e.g. "map4c:4-2048").
type MinHashFactory func(radius, bits int) Fingerprinter

// EncodedBatch is one padded tokenizer batch: token IDs plus the attention
// mask that marks valid (non-padding) positions.
type EncodedBatch struct {
	// IDs holds one padded token-ID row per sequence.
	IDs [][]int

	// Mask holds 1 for valid token positions and 0 for padding, aligned
	// with IDs.
	Mask [][]int
}

// EmbeddingModel is the capability contract of a learned representation
// strategy: tokenize raw inputs into padded batches, then run a forward pass
// producing per-token hidden states. Pooling over valid positions is done by
// the cache, not the model.
type EmbeddingModel interface {
	// BatchSize returns the fixed forward-pass batch size.
	BatchSize() int

	// Tokenize encodes raw inputs into one padded batch.
	Tokenize(inputs []string) (EncodedBatch, error)

	// Forward returns hidden states shaped [sequence][token][dim] for one
	// batch.
	Forward(ctx context.Context, batch EncodedBatch) ([][][]float64, error)

	// Persistent reports whether outputs should be persisted in the durable
	// store so later runs skip recomputation (protein encoders: yes; cheap
	// strategies: no).
	Persistent() bool
}

// DroppedRecord flags one record excluded from a representation result
// because its raw input could not be computed.
type DroppedRecord struct {
	// Index is the record's position in the requested sequence.
	Index int

	// ID is the record's stable identifier.
	ID string

	// Err is the per-record failure, wrapping ErrRepresentationCompute.
	Err error
}

// RepresentationResult is the outcome of one cache resolution: the vectors
// of all computable records (request order preserved) and the flagged
// dropped records. The caller must drop the corresponding label rows before
// model fitting; the cache does not impute or substitute.
type RepresentationResult struct {
	// Vectors holds one representation per kept record, in request order.
	Vectors []Representation

	// Kept maps each vector back to its index in the requested records.
	Kept []int

	// Dropped flags the excluded records.
	Dropped []DroppedRecord
}

// CacheConfig wires the representation strategies, the durable tier and the
// fingerprint worker pool.
type CacheConfig struct {
	// Fingerprinters maps structural method identifiers (e.g. "ecfp4-2048",
	// "maccs") to their deterministic fingerprint implementations.
	Fingerprinters map[string]Fingerprinter

	// MinHash builds hashed fingerprint strategies for "map4c:R-B" methods.
	MinHash MinHashFactory

	// Encoders maps learned method identifiers (e.g. "esm2-t12-35m") to
	// embedding models.
	Encoders map[string]EmbeddingModel

	// Store is the durable tier for persistent encoders. Optional.
	Store *EmbeddingStore

	// Jobs bounds the fingerprint worker pool. Defaults to 4.
	Jobs int

	// Logger receives cache activity. Optional.
	Logger *slog.Logger
}

// RepresentationCache computes and/or loads per-record feature vectors for a
// (task, split, method) key. Once a key is materialized it is never silently
// invalidated by the cache; staleness is handled by the caller removing the
// entry.
//
// Thread safety: Get is safe for concurrent use; concurrent misses on the
// same key may compute twice but memoize a single result.
type RepresentationCache struct {
	cfg CacheConfig

	mu      sync.Mutex
	entries map[cacheKey]*RepresentationResult
}

type cacheKey struct {
	Task   string
	Split  SplitName
	Method string

	// Aux separates auxiliary-input resolutions from molecule resolutions of
	// the same method, so the two never share a memo or store entry.
	Aux bool
}

// storeMethod returns the durable-store method component of the key.
func (k cacheKey) storeMethod() string {
	if k.Aux {
		return "aux:" + k.Method
	}

	return k.Method
}

// discardLogger returns a logger whose output goes nowhere. Used as the
// default wherever a component's Logger field is left nil.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

//////
// Factory.
//////

// NewRepresentationCache creates a cache over the configured strategies.
func NewRepresentationCache(cfg CacheConfig) *RepresentationCache {
	if cfg.Jobs <= 0 {
		cfg.Jobs = 4
	}

	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	return &RepresentationCache{
		cfg:     cfg,
		entries: make(map[cacheKey]*RepresentationResult),
	}
}

//////
// Methods.
//////

// Get resolves the molecule representations of one split under the given
// method.
//
// On cache hit the materialized result is returned directly, without
// invoking the underlying computation. On miss the method's shape selects
// the strategy: "map4c:R-B" dispatches to the minhash factory, a registered
// structural identifier to its fingerprinter, and a registered learned
// identifier to the embedding model (consulting the durable store first for
// persistent encoders).
func (c *RepresentationCache) Get(ctx context.Context, taskID string, split SplitName, method string, records []Record) (*RepresentationResult, error) {
	key := cacheKey{Task: taskID, Split: split, Method: method}

	return c.resolve(ctx, key, records, func(r Record) string { return r.Input })
}

// GetAuxiliary resolves the auxiliary (protein) representations of one
// split. Identical contract to Get, but over each record's Auxiliary input.
func (c *RepresentationCache) GetAuxiliary(ctx context.Context, taskID string, split SplitName, method string, records []Record) (*RepresentationResult, error) {
	key := cacheKey{Task: taskID, Split: split, Method: method, Aux: true}

	return c.resolve(ctx, key, records, func(r Record) string { return r.Auxiliary })
}

func (c *RepresentationCache) resolve(ctx context.Context, key cacheKey, records []Record, input func(Record) string) (*RepresentationResult, error) {
	c.mu.Lock()
	if cached, ok := c.entries[key]; ok {
		c.mu.Unlock()

		return cached, nil
	}
	c.mu.Unlock()

	inputs := make([]string, len(records))
	ids := make([]string, len(records))

	for i, r := range records {
		inputs[i] = input(r)
		ids[i] = r.ID
	}

	result, err := c.compute(ctx, key, inputs, ids)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// First materialization wins; a concurrent miss that raced us reuses it.
	if cached, ok := c.entries[key]; ok {
		result = cached
	} else {
		c.entries[key] = result
	}
	c.mu.Unlock()

	return result, nil
}

func (c *RepresentationCache) compute(ctx context.Context, key cacheKey, inputs, ids []string) (*RepresentationResult, error) {
	if encoder, ok := c.cfg.Encoders[key.Method]; ok {
		return c.embed(ctx, key, encoder, inputs)
	}

	if strings.HasPrefix(key.Method, "map4c:") {
		radius, bits, err := parseMinHashMethod(key.Method)
		if err != nil {
			return nil, err
		}

		if c.cfg.MinHash == nil {
			return nil, fmt.Errorf("method %q: no minhash factory configured", key.Method)
		}

		return c.fingerprint(ctx, c.cfg.MinHash(radius, bits), inputs, ids)
	}

	if fp, ok := c.cfg.Fingerprinters[key.Method]; ok {
		return c.fingerprint(ctx, fp, inputs, ids)
	}

	return nil, fmt.Errorf("unknown representation method %q", key.Method)
}

// parseMinHashMethod splits "map4c:R-B" into the hashing radius (half of the
// declared value) and the bit width.
func parseMinHashMethod(method string) (radius, bits int, err error) {
	suffix := strings.TrimPrefix(method, "map4c:")

	parts := strings.SplitN(suffix, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("minhash method %q: want map4c:R-B", method)
	}

	declared, err := strconv.Atoi(parts[0])
	if err != nil || declared < 2 {
		return 0, 0, fmt.Errorf("minhash method %q: bad radius %q", method, parts[0])
	}

	bits, err = strconv.Atoi(parts[1])
	if err != nil || bits < 1 {
		return 0, 0, fmt.Errorf("minhash method %q: bad bit width %q", method, parts[1])
	}

	return declared / 2, bits, nil
}

// fingerprint computes deterministic fingerprints over all inputs with a
// bounded worker pool. Unparseable inputs are dropped and flagged, never
// imputed.
func (c *RepresentationCache) fingerprint(ctx context.Context, fp Fingerprinter, inputs, ids []string) (*RepresentationResult, error) {
	type outcome struct {
		vec []float64
		err error
	}

	outcomes := make([]outcome, len(inputs))

	var wg sync.WaitGroup

	sem := make(chan struct{}, c.cfg.Jobs)

	for i := range inputs {
		if err := ctx.Err(); err != nil {
			break
		}

		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := fp.Compute(inputs[i])
			outcomes[i] = outcome{vec: vec, err: err}
		}(i)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	result := &RepresentationResult{}

	for i, o := range outcomes {
		if o.err != nil {
			err := o.err
			if !errors.Is(err, ErrRepresentationCompute) {
				err = fmt.Errorf("%w: %v", ErrRepresentationCompute, err)
			}

			c.cfg.Logger.Warn("dropping record", slog.String("id", ids[i]), slog.String("error", err.Error()))
			result.Dropped = append(result.Dropped, DroppedRecord{Index: i, ID: ids[i], Err: err})

			continue
		}

		result.Vectors = append(result.Vectors, Representation(o.vec))
		result.Kept = append(result.Kept, i)
	}

	return result, nil
}

// embed computes learned embeddings in fixed-size batches with masked mean
// pooling, consulting and feeding the durable store for persistent encoders.
func (c *RepresentationCache) embed(ctx context.Context, key cacheKey, encoder EmbeddingModel, inputs []string) (*RepresentationResult, error) {
	if c.cfg.Store != nil && encoder.Persistent() {
		vectors, ok, err := c.cfg.Store.Load(key.Task, key.Split, key.storeMethod())
		if err != nil {
			return nil, err
		}

		if ok {
			c.cfg.Logger.Info("loaded representations",
				slog.String("task", key.Task), slog.String("split", string(key.Split)), slog.String("method", key.Method))

			return allKept(vectors), nil
		}
	}

	c.cfg.Logger.Info("computing representations",
		slog.String("task", key.Task), slog.String("split", string(key.Split)), slog.String("method", key.Method))

	batchSize := encoder.BatchSize()
	if batchSize <= 0 {
		batchSize = 8
	}

	vectors := make([]Representation, 0, len(inputs))

	for start := 0; start < len(inputs); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}

		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		batch, err := encoder.Tokenize(inputs[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: tokenize batch at %d: %v", ErrRepresentationCompute, start, err)
		}

		hidden, err := encoder.Forward(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("forward batch at %d: %w", start, err)
		}

		pooled, err := maskedMeanPool(hidden, batch.Mask)
		if err != nil {
			return nil, fmt.Errorf("pool batch at %d: %w", start, err)
		}

		vectors = append(vectors, pooled...)
	}

	if c.cfg.Store != nil && encoder.Persistent() {
		if err := c.cfg.Store.Save(key.Task, key.Split, key.storeMethod(), vectors); err != nil {
			return nil, err
		}
	}

	return allKept(vectors), nil
}

func allKept(vectors []Representation) *RepresentationResult {
	kept := make([]int, len(vectors))
	for i := range kept {
		kept[i] = i
	}

	return &RepresentationResult{Vectors: vectors, Kept: kept}
}

// maskedMeanPool averages each sequence's hidden states over its valid
// (non-padding) token positions, using the attention mask to determine the
// true length before averaging.
func maskedMeanPool(hidden [][][]float64, mask [][]int) ([]Representation, error) {
	if len(hidden) != len(mask) {
		return nil, fmt.Errorf("hidden/mask batch size mismatch: %d vs %d", len(hidden), len(mask))
	}

	pooled := make([]Representation, len(hidden))

	for i := range hidden {
		length := 0
		for _, m := range mask[i] {
			if m != 0 {
				length++
			}
		}

		if length == 0 {
			return nil, fmt.Errorf("sequence %d: empty attention mask", i)
		}

		if length > len(hidden[i]) {
			return nil, fmt.Errorf("sequence %d: mask length %d exceeds %d hidden states", i, length, len(hidden[i]))
		}

		dim := len(hidden[i][0])
		mean := make(Representation, dim)

		for t := 0; t < length; t++ {
			for d := 0; d < dim; d++ {
				mean[d] += hidden[i][t][d]
			}
		}

		for d := 0; d < dim; d++ {
			mean[d] /= float64(length)
		}

		pooled[i] = mean
	}

	return pooled, nil
}

// Invalidate removes a materialized in-memory entry. Callers that know a key
// is stale remove it explicitly; the cache never does so on its own.
func (c *RepresentationCache) Invalidate(taskID string, split SplitName, method string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, cacheKey{Task: taskID, Split: split, Method: method})
}

//////
// Fusion.
//////

// FuseRepresentations concatenates each record's molecule representation
// with its auxiliary representation along the feature axis, molecule first.
// Record order is preserved; the fused width is always the sum of the two
// widths.
func FuseRepresentations(molecule, auxiliary []Representation) ([]Representation, error) {
	if len(molecule) != len(auxiliary) {
		return nil, fmt.Errorf("fusion length mismatch: %d molecule vs %d auxiliary rows", len(molecule), len(auxiliary))
	}

	fused := make([]Representation, len(molecule))

	for i := range molecule {
		row := make(Representation, 0, len(molecule[i])+len(auxiliary[i]))
		row = append(row, molecule[i]...)
		row = append(row, auxiliary[i]...)
		fused[i] = row
	}

	return fused, nil
}
