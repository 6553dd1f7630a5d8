package peptune

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

//////
// Const, vars, types.
//////

// TaskLoader materializes one task's dataset by ID.
type TaskLoader interface {
	Load(ctx context.Context, id string) (Task, error)
}

// CSVTaskLoader loads task datasets from per-task CSV files named
// "<id>.csv" under a directory. Each file carries a "SMILES" column with the
// raw molecule input, a "labels" column with the target, and, for
// multi-instance tasks, a "seq1" column with the auxiliary protein sequence.
//
// Splitting is seeded and happens at load time: a fifth of the shuffled rows
// become the test split (stratified by label for classification tasks), and
// a tenth of the remainder becomes the validation split.
type CSVTaskLoader struct {
	// Dir is the directory holding the per-task CSV files.
	Dir string

	// Seed drives the shuffle and split. 0 means time-based.
	Seed int64
}

const (
	testFraction  = 0.2
	validFraction = 0.1
)

//////
// Methods.
//////

// Load implements TaskLoader.
func (l *CSVTaskLoader) Load(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}

	kind, ok := KindOf(id)
	if !ok {
		return Task{}, fmt.Errorf("unknown task %q", id)
	}

	path := filepath.Join(l.Dir, id+".csv")

	f, err := os.Open(path)
	if err != nil {
		return Task{}, fmt.Errorf("open task data %s: %w", path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return Task{}, fmt.Errorf("read task data %s: %w", path, err)
	}

	if len(rows) < 2 {
		return Task{}, fmt.Errorf("task data %s: no records", path)
	}

	inputCol, labelCol, auxCol := -1, -1, -1

	for i, name := range rows[0] {
		switch name {
		case "SMILES":
			inputCol = i
		case "labels":
			labelCol = i
		case "seq1":
			auxCol = i
		}
	}

	if inputCol < 0 || labelCol < 0 {
		return Task{}, fmt.Errorf("task data %s: missing SMILES or labels column", path)
	}

	multiInstance := IsMultiInstance(id)
	if multiInstance && auxCol < 0 {
		return Task{}, fmt.Errorf("task data %s: missing seq1 column for multi-instance task", path)
	}

	records := make([]Record, 0, len(rows)-1)

	for i, row := range rows[1:] {
		label, err := strconv.ParseFloat(row[labelCol], 64)
		if err != nil {
			return Task{}, fmt.Errorf("task data %s row %d: bad label %q", path, i+1, row[labelCol])
		}

		r := Record{
			ID:    fmt.Sprintf("%s-%d", id, i),
			Input: row[inputCol],
			Label: label,
		}

		if auxCol >= 0 {
			r.Auxiliary = row[auxCol]
		}

		records = append(records, r)
	}

	seed := l.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	rng := rand.New(rand.NewSource(seed))

	data := splitRecords(records, kind, rng)

	return Task{ID: id, Kind: kind, MultiInstance: multiInstance, Data: data}, nil
}

// splitRecords shuffles and cuts records into train/valid/test. The test cut
// is stratified by label for classification so class balance survives the
// split; the valid cut off the remaining training rows is not.
func splitRecords(records []Record, kind TaskKind, rng *rand.Rand) Dataset {
	shuffled := append([]Record{}, records...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var test, rest []Record

	if kind == Classification {
		test, rest = stratifiedCut(shuffled, testFraction)
	} else {
		n := int(float64(len(shuffled)) * testFraction)
		test, rest = shuffled[:n], shuffled[n:]
	}

	nValid := int(float64(len(rest)) * validFraction)
	valid, train := rest[:nValid], rest[nValid:]

	return Dataset{Train: train, Valid: valid, Test: test}
}

// stratifiedCut takes the given fraction of each label group, preserving the
// incoming (already shuffled) order within groups.
func stratifiedCut(records []Record, fraction float64) (cut, rest []Record) {
	groups := make(map[float64][]Record)
	order := []float64{}

	for _, r := range records {
		if _, seen := groups[r.Label]; !seen {
			order = append(order, r.Label)
		}

		groups[r.Label] = append(groups[r.Label], r)
	}

	for _, label := range order {
		group := groups[label]
		n := int(float64(len(group)) * fraction)
		cut = append(cut, group[:n]...)
		rest = append(rest, group[n:]...)
	}

	return cut, rest
}
