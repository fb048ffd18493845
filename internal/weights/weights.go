package weights

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Default file names for the feature weight tables.
const (
	DefaultCurrentFile = "weights.current.properties"
	DefaultInitialFile = "weights.initial.properties"
)

// ErrNoWeightTable is returned when neither the current nor the initial table exists.
var ErrNoWeightTable = errors.New("no feature weight table found")

// Table maps feature names to positive weight multipliers. It is immutable.
type Table struct {
	source  string
	weights map[string]float64
}

// Load reads the current table when it exists and falls back to the initial table.
func Load(currentPath, initialPath string) (*Table, error) {
	if currentPath == "" {
		currentPath = DefaultCurrentFile
	}
	if initialPath == "" {
		initialPath = DefaultInitialFile
	}

	for _, path := range []string{currentPath, initialPath} {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open weights %s: %w", path, err)
		}
		t, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("load weights %s: %w", path, err)
		}
		t.source = path
		return t, nil
	}
	return nil, fmt.Errorf("%w: tried %s and %s", ErrNoWeightTable, currentPath, initialPath)
}

// Parse reads "name=weight" lines.
func Parse(r io.Reader) (*Table, error) {
	t := &Table{weights: make(map[string]float64)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		name, raw, ok := strings.Cut(line, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("line %d: expected name=weight", lineNo)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: weight for %s: %w", lineNo, name, err)
		}
		if w <= 0 {
			return nil, fmt.Errorf("line %d: weight for %s must be positive, got %v", lineNo, name, w)
		}
		t.weights[name] = w
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// New builds a table from a map. Non-positive weights are dropped.
func New(entries map[string]float64) *Table {
	t := &Table{weights: make(map[string]float64, len(entries))}
	for k, w := range entries {
		if w > 0 {
			t.weights[k] = w
		}
	}
	return t
}

// Get returns the weight for feature, or def when it has none.
func (t *Table) Get(feature string, def float64) float64 {
	if t == nil {
		return def
	}
	if w, ok := t.weights[feature]; ok {
		return w
	}
	return def
}

// Source is the file the table came from; empty for in-memory tables.
func (t *Table) Source() string {
	return t.source
}

// Len returns the number of explicit weights.
func (t *Table) Len() int {
	return len(t.weights)
}

// Entries returns a copy of the weights.
func (t *Table) Entries() map[string]float64 {
	out := make(map[string]float64, len(t.weights))
	for k, w := range t.weights {
		out[k] = w
	}
	return out
}

// With returns a new table with overrides applied on top of t.
func (t *Table) With(overrides map[string]float64) *Table {
	merged := t.Entries()
	for k, w := range overrides {
		merged[k] = w
	}
	return New(merged)
}

// Save writes t to path atomically, sorted by feature name.
func Save(path string, t *Table) error {
	names := make([]string, 0, len(t.weights))
	for k := range t.weights {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# feature weights\n")
	for _, k := range names {
		fmt.Fprintf(&b, "%s=%s\n", k, strconv.FormatFloat(t.weights[k], 'f', -1, 64))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create weights dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write temp weights: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename weights: %w", err)
	}
	return nil
}
