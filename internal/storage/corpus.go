package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/productmatch/backend/internal/product"
	"github.com/productmatch/backend/internal/vector"
)

// File extensions of the vector corpus.
const (
	PartialExt   = ".part"
	PartitionExt = ".vec"
	RunMarkerExt = ".done"
	mergeSuffix  = ".merge"
	tmpSuffix    = ".tmp"
)

var (
	// ErrPendingMerge means partial vector files from an earlier run have not been merged yet.
	ErrPendingMerge = errors.New("partial vector files are pending merge")
	// ErrPartitionNotFound means no partition file exists for a category.
	ErrPartitionNotFound = errors.New("category partition not found")
)

// MergeResult summarises one merge run.
type MergeResult struct {
	Partials    int            `json:"partials"`
	Vectors     int            `json:"vectors"`
	Dropped     int            `json:"dropped"`
	PerCategory map[string]int `json:"per_category"`
	Files       []string       `json:"files"`
	Duration    time.Duration  `json:"duration"`
}

// CorpusStore owns the category partitions of the vector corpus. Batch
// workers append to partial files; MergeByCategory is the only writer of
// partitions.
type CorpusStore struct {
	dir    string
	logger *logrus.Entry
	mu     sync.Mutex
}

// NewCorpusStore creates a corpus store rooted at dir.
func NewCorpusStore(dir string, logger *logrus.Entry) (*CorpusStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create corpus directory: %w", err)
	}
	if logger == nil {
		logger = logrus.WithField("component", "corpus_store")
	}
	return &CorpusStore{dir: dir, logger: logger}, nil
}

// Dir returns the partition directory.
func (s *CorpusStore) Dir() string {
	return s.dir
}

// Append appends vectors to the partial file at partialPath.
func (s *CorpusStore) Append(vectors []*vector.NamedVector, partialPath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(partialPath), 0755); err != nil {
		return fmt.Errorf("failed to create partial directory: %w", err)
	}
	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close partial file: %w", cerr)
		}
	}()

	enc := vector.NewEncoder(f)
	for _, v := range vectors {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return enc.Flush()
}

// PendingPartials lists unmerged partial files in sourceDir.
func PendingPartials(sourceDir string) ([]string, error) {
	return listFiles(sourceDir, PartialExt)
}

// PartialFileName builds the partial file name for one batch input.
func PartialFileName(runID, input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return safeFilename(runID+"-"+base) + PartialExt
}

// RunPartials lists the partial files written by run runID.
func RunPartials(sourceDir, runID string) ([]string, error) {
	partials, err := PendingPartials(sourceDir)
	if err != nil {
		return nil, err
	}
	prefix := safeFilename(runID + "-")
	var out []string
	for _, p := range partials {
		if strings.HasPrefix(filepath.Base(p), prefix) {
			out = append(out, p)
		}
	}
	return out, nil
}

// MarkRunComplete records that every partial file of runID has been written.
// Only partials of marked runs may be merged.
func MarkRunComplete(sourceDir, runID string) error {
	if err := os.MkdirAll(sourceDir, 0755); err != nil {
		return fmt.Errorf("failed to create partial directory: %w", err)
	}
	path := filepath.Join(sourceDir, safeFilename(runID)+RunMarkerExt)
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to mark run %s complete: %w", runID, err)
	}
	return nil
}

// CompletedRuns returns the IDs of runs marked complete in sourceDir.
func CompletedRuns(sourceDir string) ([]string, error) {
	markers, err := listFiles(sourceDir, RunMarkerExt)
	if err != nil {
		return nil, err
	}
	runs := make([]string, 0, len(markers))
	for _, m := range markers {
		runs = append(runs, strings.TrimSuffix(filepath.Base(m), RunMarkerExt))
	}
	return runs, nil
}

// DiscardIncomplete removes partial files that belong to no completed run and
// returns them. What remains in sourceDir is safe to merge.
func DiscardIncomplete(sourceDir string) ([]string, error) {
	partials, err := PendingPartials(sourceDir)
	if err != nil {
		return nil, err
	}
	runs, err := CompletedRuns(sourceDir)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, p := range partials {
		base := filepath.Base(p)
		complete := false
		for _, run := range runs {
			if strings.HasPrefix(base, run+"-") {
				complete = true
				break
			}
		}
		if complete {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to discard partial %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// ClearRunMarkers removes every run marker in sourceDir.
func ClearRunMarkers(sourceDir string) error {
	markers, err := listFiles(sourceDir, RunMarkerExt)
	if err != nil {
		return err
	}
	for _, m := range markers {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove run marker %s: %w", m, err)
		}
	}
	return nil
}

// PartitionFileName is the partition file of category; merged marks a
// partition combined from more than one partial file.
func PartitionFileName(category string, merged bool) string {
	name := safeFilename(category)
	if merged {
		name += mergeSuffix
	}
	return name + PartitionExt
}

type partitionWriter struct {
	category string
	tmpPath  string
	file     *os.File
	enc      *vector.Encoder
	count    int
}

// MergeByCategory rebuilds every category partition from the partial files
// in sourceDir. Partitions are written to temporary files first; only after
// every writer is closed and renamed into place are the consumed partials
// deleted. On any I/O error the partials are left untouched so the merge
// can be retried, and since partitions are rebuilt rather than appended a
// retry never double-counts.
func (s *CorpusStore) MergeByCategory(sourceDir string) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := MergeResult{PerCategory: make(map[string]int)}

	partials, err := PendingPartials(sourceDir)
	if err != nil {
		return result, err
	}
	result.Partials = len(partials)
	if len(partials) == 0 {
		s.logger.WithField("source", sourceDir).Info("No partial vector files to merge")
		return result, nil
	}

	writers := make(map[string]*partitionWriter, len(product.Categories))
	abort := func() {
		for _, w := range writers {
			if w.file != nil {
				w.file.Close()
			}
			os.Remove(w.tmpPath)
		}
	}

	for _, category := range product.Categories {
		tmp := filepath.Join(s.dir, PartitionFileName(category, false)+tmpSuffix)
		f, err := os.Create(tmp)
		if err != nil {
			abort()
			return result, fmt.Errorf("failed to create partition writer for %s: %w", category, err)
		}
		writers[category] = &partitionWriter{category: category, tmpPath: tmp, file: f, enc: vector.NewEncoder(f)}
	}

	for _, path := range partials {
		n, dropped, err := s.copyPartial(path, writers)
		if err != nil {
			abort()
			return result, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		result.Vectors += n
		result.Dropped += dropped
	}

	// every writer must be flushed and closed before anything is renamed or deleted
	var closeErr error
	for _, category := range product.Categories {
		w := writers[category]
		if err := w.enc.Flush(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("failed to flush partition %s: %w", category, err)
		}
		if err := w.file.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("failed to close partition %s: %w", category, err)
		}
		w.file = nil
	}
	if closeErr != nil {
		abort()
		return result, closeErr
	}

	merged := len(partials) > 1
	for _, category := range product.Categories {
		w := writers[category]
		final := filepath.Join(s.dir, PartitionFileName(category, merged))
		if err := os.Rename(w.tmpPath, final); err != nil {
			abort()
			return result, fmt.Errorf("failed to install partition %s: %w", category, err)
		}
		// drop the other naming variant so a category never has two partitions
		os.Remove(filepath.Join(s.dir, PartitionFileName(category, !merged)))
		result.PerCategory[category] = w.count
		result.Files = append(result.Files, final)
	}

	var cleanupErr error
	for _, path := range partials {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("partial", path).Error("Failed to delete merged partial file")
			if cleanupErr == nil {
				cleanupErr = fmt.Errorf("failed to delete partial %s: %w", path, err)
			}
		}
	}

	result.Duration = time.Since(start)
	s.logger.WithFields(logrus.Fields{
		"partials": result.Partials,
		"vectors":  result.Vectors,
		"dropped":  result.Dropped,
		"duration": result.Duration,
	}).Info("Merged partial vector files into category partitions")

	return result, cleanupErr
}

func (s *CorpusStore) copyPartial(path string, writers map[string]*partitionWriter) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	copied, dropped := 0, 0
	dec := vector.NewDecoder(f)
	for {
		v, err := dec.Next()
		if err == io.EOF {
			return copied, dropped, nil
		}
		if err != nil {
			return copied, dropped, err
		}
		w, ok := writers[v.Category()]
		if !ok {
			dropped++
			s.logger.WithField("vector", v.Name).Warn("Dropping vector with unknown category")
			continue
		}
		if err := w.enc.Encode(v); err != nil {
			return copied, dropped, err
		}
		w.count++
		copied++
	}
}

// PartitionPath returns the partition file of category, preferring a merged partition.
func (s *CorpusStore) PartitionPath(category string) (string, error) {
	for _, merged := range []bool{true, false} {
		path := filepath.Join(s.dir, PartitionFileName(category, merged))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPartitionNotFound, category)
}

// ScanPartition streams every vector of category's partition to fn.
func (s *CorpusStore) ScanPartition(category string, fn func(*vector.NamedVector) error) error {
	path, err := s.PartitionPath(category)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open partition: %w", err)
	}
	defer f.Close()

	dec := vector.NewDecoder(f)
	for {
		v, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read partition %s: %w", category, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

// ReadPartition loads category's partition into memory.
func (s *CorpusStore) ReadPartition(category string) ([]*vector.NamedVector, error) {
	var out []*vector.NamedVector
	err := s.ScanPartition(category, func(v *vector.NamedVector) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// PartitionSizes counts the vectors of every existing partition.
func (s *CorpusStore) PartitionSizes() map[string]int {
	sizes := make(map[string]int, len(product.Categories))
	for _, category := range product.Categories {
		n := 0
		if err := s.ScanPartition(category, func(*vector.NamedVector) error {
			n++
			return nil
		}); err != nil {
			continue
		}
		sizes[category] = n
	}
	return sizes
}
