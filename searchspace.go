package peptune

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/constraints"
)

//////
// Const, vars, types.
//////

// FailurePenalty is the loss assigned to failed trials so the search loop's
// invariant (loss is always comparable) holds. Using half of MaxFloat64
// leaves room to stay a finite, strictly-worse-than-any-real observation.
const FailurePenalty = math.MaxFloat64 / 2

// ParameterRange defines the inclusive valid range for one numeric
// hyperparameter in the search space.
//
// Type Parameter:
//   - T: The numeric type for this parameter range (integer or float).
//
// Validation:
// - Min must be less than or equal to Max.
// - The range is inclusive of both Min and Max values.
type ParameterRange[T constraints.Integer | constraints.Float] struct {
	// Min defines the minimum allowed value (inclusive).
	Min T

	// Max defines the maximum allowed value (inclusive).
	Max T
}

// ParameterKind discriminates the shape of one search-space parameter.
type ParameterKind int

const (
	// FloatParam samples a float64, optionally on a log scale.
	FloatParam ParameterKind = iota

	// IntParam samples an int uniformly.
	IntParam

	// CategoricalParam samples one of a fixed set of string choices.
	CategoricalParam
)

// Parameter is one named dimension of a search space.
type Parameter struct {
	// Name is the hyperparameter name, e.g. "C" or "n_estimators".
	Name string

	// Kind selects which of the range/choice fields is meaningful.
	Kind ParameterKind

	// Float is the sampling range for FloatParam parameters.
	Float ParameterRange[float64]

	// Int is the sampling range for IntParam parameters.
	Int ParameterRange[int]

	// Log samples FloatParam parameters log-uniformly. Both bounds must be
	// positive.
	Log bool

	// Choices holds the candidate values for CategoricalParam parameters.
	Choices []string
}

// FloatParameter builds a uniformly sampled float parameter.
func FloatParameter(name string, min, max float64) Parameter {
	return Parameter{Name: name, Kind: FloatParam, Float: ParameterRange[float64]{Min: min, Max: max}}
}

// LogFloatParameter builds a log-uniformly sampled float parameter.
func LogFloatParameter(name string, min, max float64) Parameter {
	p := FloatParameter(name, min, max)
	p.Log = true

	return p
}

// IntParameter builds a uniformly sampled integer parameter.
func IntParameter(name string, min, max int) Parameter {
	return Parameter{Name: name, Kind: IntParam, Int: ParameterRange[int]{Min: min, Max: max}}
}

// CategoricalParameter builds a parameter sampled from fixed choices.
func CategoricalParameter(name string, choices ...string) Parameter {
	return Parameter{Name: name, Kind: CategoricalParam, Choices: choices}
}

// SearchSpace describes the valid configuration domain of one model family.
type SearchSpace struct {
	// Family is the model-family tag configurations sampled from this space
	// carry, e.g. "svm".
	Family string

	// Parameters are the dimensions of the space, in a fixed order.
	Parameters []Parameter
}

// Configuration is an immutable mapping from hyperparameter name to sampled
// value, tagged with the model family it was sampled for. A new Configuration
// is produced per trial; it is never mutated after creation.
type Configuration struct {
	family string
	values map[string]any
}

// NewConfiguration builds a configuration from a family tag and a value map.
// The map is copied; the caller keeps no aliasing handle into the
// configuration.
func NewConfiguration(family string, values map[string]any) Configuration {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}

	return Configuration{family: family, values: copied}
}

// Family returns the model-family tag of the configuration.
func (c Configuration) Family() string { return c.family }

// Len returns the number of hyperparameters in the configuration.
func (c Configuration) Len() int { return len(c.values) }

// Float returns a float-valued hyperparameter. Integer-typed values are
// widened: a float hyperparameter whose value serialized without a fractional
// part reloads as an int.
func (c Configuration) Float(name string) (float64, bool) {
	switch v := c.values[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int returns an integer-valued hyperparameter.
func (c Configuration) Int(name string) (int, bool) {
	v, ok := c.values[name].(int)

	return v, ok
}

// String returns a string-valued hyperparameter.
func (c Configuration) String(name string) (string, bool) {
	v, ok := c.values[name].(string)

	return v, ok
}

// Bool returns a boolean-valued hyperparameter.
func (c Configuration) Bool(name string) (bool, bool) {
	v, ok := c.values[name].(bool)

	return v, ok
}

// Names returns the hyperparameter names in sorted order.
func (c Configuration) Names() []string {
	names := make([]string, 0, len(c.values))
	for name := range c.values {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// MarshalJSON serializes the configuration as a flat object with the family
// tag under the "model" key, matching the persisted best_model.json layout.
func (c Configuration) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.values)+1)
	for k, v := range c.values {
		out[k] = v
	}

	out["model"] = c.family

	return json.Marshal(out)
}

// UnmarshalJSON restores a configuration from the persisted best_model.json
// layout. The "model" key becomes the family tag; numbers without a decimal
// point or exponent are restored as ints, so family decoders see the types
// the configuration was sampled with.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode configuration: %w", err)
	}

	values := make(map[string]any, len(raw))

	family := ""

	for name, v := range raw {
		if name == "model" {
			tag, ok := v.(string)
			if !ok {
				return fmt.Errorf("configuration model tag is not a string")
			}

			family = tag

			continue
		}

		num, ok := v.(json.Number)
		if !ok {
			values[name] = v

			continue
		}

		if n, err := strconv.Atoi(num.String()); err == nil {
			values[name] = n

			continue
		}

		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("configuration value %s: %w", name, err)
		}

		values[name] = f
	}

	c.family = family
	c.values = values

	return nil
}

// Sample draws one configuration from the space using the provided random
// source. Integer parameters are sampled uniformly over their inclusive
// range; float parameters uniformly or log-uniformly; categorical parameters
// uniformly over their choices. Boolean hyperparameters are expressed as the
// categorical {"false", "true"} and decoded by the family schema.
func (s SearchSpace) Sample(rng *rand.Rand) Configuration {
	values := make(map[string]any, len(s.Parameters))

	for _, p := range s.Parameters {
		switch p.Kind {
		case IntParam:
			span := int64(p.Int.Max) - int64(p.Int.Min)
			values[p.Name] = p.Int.Min + int(rng.Int63n(span+1))
		case FloatParam:
			if p.Log {
				lo, hi := math.Log(p.Float.Min), math.Log(p.Float.Max)
				values[p.Name] = math.Exp(lo + rng.Float64()*(hi-lo))
			} else {
				values[p.Name] = p.Float.Min + rng.Float64()*(p.Float.Max-p.Float.Min)
			}
		case CategoricalParam:
			values[p.Name] = p.Choices[rng.Intn(len(p.Choices))]
		}
	}

	return NewConfiguration(s.Family, values)
}

//////
// Trial oracle.
//////

// TrialOracle proposes configurations to evaluate and receives the observed
// loss of every evaluated configuration. This is the only contract the core
// requires of a search oracle; the oracle's internal search strategy is a
// black box to the session.
//
// Failed trials are observed with FailurePenalty so the oracle treats them as
// penalized observations, not as a crash of the whole search.
type TrialOracle interface {
	// Propose returns the next configuration to evaluate.
	Propose(ctx context.Context) (Configuration, error)

	// Observe feeds the evaluated configuration and its loss back into the
	// oracle's search state.
	Observe(config Configuration, loss float64)
}

// RandomOracle is the built-in TrialOracle: independent uniform sampling from
// the search space. Observations are accepted for interface symmetry but do
// not influence future proposals.
//
// Thread safety:
// - Safe for concurrent use; the random source is guarded by a mutex.
type RandomOracle struct {
	mu    sync.Mutex
	space SearchSpace
	rng   *rand.Rand
}

// NewRandomOracle creates a random-search oracle over the given space.
// A seed of 0 seeds from the current time.
func NewRandomOracle(space SearchSpace, seed int64) *RandomOracle {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &RandomOracle{
		space: space,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Propose implements TrialOracle.
func (o *RandomOracle) Propose(ctx context.Context) (Configuration, error) {
	if err := ctx.Err(); err != nil {
		return Configuration{}, fmt.Errorf("propose: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	return o.space.Sample(o.rng), nil
}

// Observe implements TrialOracle. Random search keeps no state.
func (o *RandomOracle) Observe(Configuration, float64) {}
