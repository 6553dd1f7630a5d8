package peptune

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

//////
// Const, vars, types.
//////

// resultColumns is the fixed column layout of the results table: identity
// columns first, then the union of regression and classification metrics.
// Rows leave the metric columns of the other kind empty.
var resultColumns = []string{"task", "fingerprint", "model", "rmse", "pcc", "spcc", "acc", "mcc", "f1"}

// ResultRow is one finished evaluation: a (task, representation method, model
// family) triple and its held-out test metrics.
type ResultRow struct {
	// Task is the task ID, e.g. "c-binding".
	Task string

	// Fingerprint is the representation method identifier.
	Fingerprint string

	// Model is the model-family tag.
	Model string

	// Metrics maps metric names to held-out scores. Only the names of the
	// task's kind are expected; others stay empty in the table.
	Metrics map[string]float64
}

// ResultTable accumulates evaluation results in a CSV file. It is strictly
// append-only: re-running a (task, method, model) combination appends a new
// row, it never rewrites or deduplicates earlier ones. The header is written
// once, when the file does not yet exist.
//
// Thread safety: Append is mutex-guarded.
type ResultTable struct {
	mu   sync.Mutex
	path string
}

//////
// Factory.
//////

// NewResultTable returns a table backed by the given CSV path. The file is
// created lazily on first Append.
func NewResultTable(path string) *ResultTable {
	return &ResultTable{path: path}
}

//////
// Methods.
//////

// Path returns the table's backing file path.
func (t *ResultTable) Path() string { return t.path }

// Append writes one result row, creating the file with its header first if
// needed.
func (t *ResultTable) Append(row ResultRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	needHeader := false

	info, err := os.Stat(t.path)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		needHeader = true
	} else if err != nil {
		return fmt.Errorf("stat results table %s: %w", t.path, err)
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open results table %s: %w", t.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	if needHeader {
		if err := w.Write(resultColumns); err != nil {
			return fmt.Errorf("write results header: %w", err)
		}
	}

	record := make([]string, len(resultColumns))
	record[0] = row.Task
	record[1] = row.Fingerprint
	record[2] = row.Model

	for i, column := range resultColumns[3:] {
		if value, ok := row.Metrics[column]; ok {
			record[3+i] = strconv.FormatFloat(value, 'g', -1, 64)
		}
	}

	if err := w.Write(record); err != nil {
		return fmt.Errorf("write result row: %w", err)
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return fmt.Errorf("flush results table: %w", err)
	}

	return nil
}

// Rows reads the table back, skipping the header. Metric columns left empty
// are absent from the returned maps.
func (t *ResultTable) Rows() ([]ResultRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open results table %s: %w", t.path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read results table %s: %w", t.path, err)
	}

	if len(records) == 0 {
		return nil, nil
	}

	rows := make([]ResultRow, 0, len(records)-1)

	for _, record := range records[1:] {
		if len(record) != len(resultColumns) {
			return nil, fmt.Errorf("result row has %d columns, want %d", len(record), len(resultColumns))
		}

		row := ResultRow{
			Task:        record[0],
			Fingerprint: record[1],
			Model:       record[2],
			Metrics:     make(map[string]float64),
		}

		for i, column := range resultColumns[3:] {
			if record[3+i] == "" {
				continue
			}

			value, err := strconv.ParseFloat(record[3+i], 64)
			if err != nil {
				return nil, fmt.Errorf("result column %s: %w", column, err)
			}

			row.Metrics[column] = value
		}

		rows = append(rows, row)
	}

	return rows, nil
}
