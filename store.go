package peptune

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

//////
// Const, vars, types.
//////

// Persisted artifact file names. One search produces either the classical
// layout (best_model.json) or the neural layout (hparams + tokenizer +
// weights).
const (
	// BestModelFile holds a classical incumbent's hyperparameters plus its
	// model-family tag.
	BestModelFile = "best_model.json"

	// BestHParamsFile holds a neural incumbent's architecture, learning rate
	// and derived parameter count.
	BestHParamsFile = "best_model_hparams.json"

	// BestTokenizerFile holds a neural incumbent's serialized tokenizer.
	BestTokenizerFile = "best_tokenizer.json"

	// BestWeightsFile holds a neural incumbent's serialized parameter state.
	BestWeightsFile = "best_model_st_dict.pt"
)

//////
// Embedding store.
//////

// EmbeddingStoreConfig configures the durable representation store.
type EmbeddingStoreConfig struct {
	// Path is the directory for the store's files. Required unless InMemory.
	Path string

	// InMemory keeps the store off disk. Useful for testing.
	InMemory bool

	// SyncWrites makes writes durable before Save returns.
	SyncWrites bool

	// Logger receives the store's internal log output. If nil, internal
	// logging is disabled.
	Logger *slog.Logger
}

// DefaultEmbeddingStoreConfig returns a durable on-disk configuration.
func DefaultEmbeddingStoreConfig(path string) EmbeddingStoreConfig {
	return EmbeddingStoreConfig{Path: path, SyncWrites: true}
}

// EmbeddingStore is the durable tier of the Representation Cache: expensive
// learned embeddings are persisted per (task, split, method) so later runs
// skip recomputation entirely.
//
// Concurrent writers to the same key are not coordinated here; callers must
// serialize or shard by key externally.
//
// Thread safety: safe for concurrent use; the underlying store is.
type EmbeddingStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to the store's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenEmbeddingStore opens the store at the configured path, creating the
// directory if needed. Callers must Close the returned store.
func OpenEmbeddingStore(cfg EmbeddingStoreConfig) (*EmbeddingStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent embedding store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create embedding store directory %s: %w", cfg.Path, err)
		}

		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding store: %w", err)
	}

	return &EmbeddingStore{db: db}, nil
}

// OpenInMemoryEmbeddingStore opens a non-durable store for testing.
func OpenInMemoryEmbeddingStore() (*EmbeddingStore, error) {
	return OpenEmbeddingStore(EmbeddingStoreConfig{InMemory: true})
}

// Close releases the store.
func (s *EmbeddingStore) Close() error {
	return s.db.Close()
}

func embeddingKey(taskID string, split SplitName, method string) []byte {
	return []byte(fmt.Sprintf("repr/%s/%s/%s", taskID, split, method))
}

// Save persists one split's representations under (task, split, method).
// An existing entry for the key is overwritten; staleness is the caller's
// concern per the cache contract.
func (s *EmbeddingStore) Save(taskID string, split SplitName, method string, vectors []Representation) error {
	payload, err := json.Marshal(vectors)
	if err != nil {
		return fmt.Errorf("encode representations: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(embeddingKey(taskID, split, method), payload)
	})
	if err != nil {
		return fmt.Errorf("save representations %s/%s/%s: %w", taskID, split, method, err)
	}

	return nil
}

// Load retrieves one split's representations.
//
// Returns:
// - []Representation: The stored vectors, record order preserved.
// - bool: false if the key was never materialized.
// - error: Store failures other than a missing key.
func (s *EmbeddingStore) Load(taskID string, split SplitName, method string) ([]Representation, bool, error) {
	var vectors []Representation

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(embeddingKey(taskID, split, method))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &vectors)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("load representations %s/%s/%s: %w", taskID, split, method, err)
	}

	return vectors, true, nil
}

// Delete removes a cache entry. This is the only supported invalidation
// path: the cache itself never silently invalidates a materialized key.
func (s *EmbeddingStore) Delete(taskID string, split SplitName, method string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(embeddingKey(taskID, split, method))
	})
	if err != nil {
		return fmt.Errorf("delete representations %s/%s/%s: %w", taskID, split, method, err)
	}

	return nil
}

//////
// Artifact store.
//////

// ArtifactStore persists incumbent artifacts to one search's log directory.
// Writes are atomic (temp file + rename) so a crash mid-write never corrupts
// the previously persisted incumbent.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates the directory if needed and returns a store
// rooted at it.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, persistencef("create artifact directory %s: %v", dir, err)
	}

	return &ArtifactStore{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *ArtifactStore) Dir() string { return s.dir }

// Path returns the absolute path of a named artifact.
func (s *ArtifactStore) Path(name string) string { return filepath.Join(s.dir, name) }

// SaveJSON atomically writes a value as indented JSON under the given name.
func (s *ArtifactStore) SaveJSON(name string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return persistencef("encode %s: %v", name, err)
	}

	return s.SaveBytes(name, payload)
}

// SaveBytes atomically writes raw bytes under the given name.
func (s *ArtifactStore) SaveBytes(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return persistencef("create temp for %s: %v", name, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return persistencef("write %s: %v", name, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return persistencef("sync %s: %v", name, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return persistencef("close %s: %v", name, err)
	}

	if err := os.Rename(tmpName, s.Path(name)); err != nil {
		os.Remove(tmpName)

		return persistencef("rename %s: %v", name, err)
	}

	return nil
}

// LoadJSON reads a named JSON artifact back.
func (s *ArtifactStore) LoadJSON(name string, into any) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return fmt.Errorf("load artifact %s: %w", name, err)
	}

	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode artifact %s: %w", name, err)
	}

	return nil
}

// LoadBytes reads a named raw artifact back.
func (s *ArtifactStore) LoadBytes(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", name, err)
	}

	return data, nil
}
