// Package peptune provides hyperparameter search and model selection for
// peptide-property prediction benchmarks. It drives sequential trial loops
// over classical models fed by cached molecular representations, and over
// small masked-language encoders retrained per trial, tracking the best
// configuration found and persisting its artifacts synchronously.
//
// # Features
//
// The package includes the following key features:
//
//   - Search Sessions: Sequential propose/evaluate/observe loops with a
//     pluggable proposal oracle (random search built in)
//   - Incumbent Tracking: Strict-improvement best-so-far tracking with
//     crash-safe, atomic artifact persistence on every improvement
//   - Failure Isolation: Failed trials are penalized with a worst-case loss
//     and the search continues; persistence failures abort loudly
//   - Representation Cache: Memoized (task, split, method) feature vectors
//     over structural fingerprints, hashed fingerprints and learned
//     embeddings, with a durable store tier for expensive protein encoders
//   - Model Families: Schema-validated hyperparameter spaces for
//     support-vector, random-forest, gradient-boosting and nearest-neighbor
//     models; construction rejects invalid configurations rather than
//     clipping them
//   - Neural Variant: Per-trial tokenizer retraining and encoder
//     construction with early stopping, per-epoch curve recording and
//     exclusive device leasing
//   - Benchmark Protocol: Fixed task taxonomy, seeded splits, per-task
//     search, one-shot test scoring and an append-only results table
//
// # Thread Safety
//
// Components that are shared across goroutines (the representation cache,
// the metric and family registries, the incumbent tracker, the results
// table) are internally synchronized. A Session belongs to exactly one
// search; run concurrent searches with separate sessions.
package peptune
