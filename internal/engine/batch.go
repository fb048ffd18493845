package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/productmatch/backend/internal/fetcher"
	"github.com/productmatch/backend/internal/metrics"
	"github.com/productmatch/backend/internal/product"
	"github.com/productmatch/backend/internal/storage"
	"github.com/productmatch/backend/internal/vector"
	"github.com/productmatch/backend/internal/vectorize"
)

// BatchResult reports one vectorization run. Success is Vectorized out of
// Products; per-item skips and failures never abort the run.
type BatchResult struct {
	RunID       string         `json:"run_id"`
	Files       int            `json:"files"`
	Partials    int            `json:"partials"`
	Products    int            `json:"products"`
	Vectorized  int            `json:"vectorized"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	FailedFiles []string       `json:"failed_files,omitempty"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

const stagingSuffix = ".download"

// RefreshResult reports one download, vectorize and merge cycle.
type RefreshResult struct {
	Download  *fetcher.DownloadResult `json:"download,omitempty"`
	Recovered *storage.MergeResult    `json:"recovered,omitempty"`
	Batch     BatchResult             `json:"batch"`
	Merge     storage.MergeResult     `json:"merge"`
}

type fileResult struct {
	path        string
	products    int
	vectorized  int
	skipped     int
	failed      int
	skipReasons map[string]int
	wrote       bool
	err         error
}

// VectorizeBatch vectorizes every product file in productDir on a fixed
// worker pool and writes one partial vector file per input file into
// partialDir. It refuses to run while unmerged partials exist, since a
// merge would then count their vectors twice. A run that finishes marks
// its partials complete; partials of an unmarked run are never merged.
func (e *Engine) VectorizeBatch(ctx context.Context, productDir, partialDir string) (BatchResult, error) {
	start := time.Now()
	result := BatchResult{RunID: uuid.NewString(), SkipReasons: make(map[string]int)}

	pending, err := storage.PendingPartials(partialDir)
	if err != nil {
		return result, err
	}
	if len(pending) > 0 {
		return result, fmt.Errorf("%w: %d files in %s", storage.ErrPendingMerge, len(pending), partialDir)
	}

	files, err := storage.ListProductFiles(productDir)
	if err != nil {
		return result, err
	}
	result.Files = len(files)
	if len(files) == 0 {
		e.Logger.WithField("dir", productDir).Warn("No product files to vectorize")
		return result, nil
	}

	// one snapshot of the tables for the whole run
	vz := e.Tables().Vectorizer

	workers := e.Config.Batch.MaxConcurrency
	if workers <= 0 || workers > len(files) {
		workers = len(files)
	}

	runID := result.RunID
	logger := e.Logger.WithField("run_id", runID)
	logger.WithFields(logrus.Fields{
		"files":   len(files),
		"workers": workers,
	}).Info("Starting batch vectorization")

	jobs := make(chan string)
	results := make(chan fileResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				partial := filepath.Join(partialDir, storage.PartialFileName(runID, path))
				results <- e.processFile(vz, path, partial, logger)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, path := range files {
			select {
			case jobs <- path:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for fr := range results {
		result.Products += fr.products
		result.Vectorized += fr.vectorized
		result.Skipped += fr.skipped
		result.Failed += fr.failed
		if fr.wrote {
			result.Partials++
		}
		for reason, n := range fr.skipReasons {
			result.SkipReasons[reason] += n
		}
		if fr.err != nil {
			result.FailedFiles = append(result.FailedFiles, fr.path)
			logger.WithError(fr.err).WithField("file", fr.path).Error("Failed to vectorize product file")
		}
	}

	result.Duration = time.Since(start)
	metrics.BatchDuration.Observe(result.Duration.Seconds())
	metrics.ProductsVectorized.WithLabelValues("vectorized").Add(float64(result.Vectorized))
	metrics.ProductsVectorized.WithLabelValues("skipped").Add(float64(result.Skipped))
	metrics.ProductsVectorized.WithLabelValues("failed").Add(float64(result.Failed))
	for reason, n := range result.SkipReasons {
		metrics.SkipReasons.WithLabelValues(reason).Add(float64(n))
	}

	logger.WithFields(logrus.Fields{
		"products":   result.Products,
		"vectorized": result.Vectorized,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
		"duration":   result.Duration,
	}).Info("Finished batch vectorization")

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if result.Partials > 0 {
		if err := storage.MarkRunComplete(partialDir, runID); err != nil {
			return result, err
		}
	}
	return result, nil
}

// processFile vectorizes the products of one file and appends the vectors
// to its partial file.
func (e *Engine) processFile(vz *vectorize.Vectorizer, path, partial string, logger *logrus.Entry) fileResult {
	fr := fileResult{path: path, skipReasons: make(map[string]int)}

	page, err := storage.LoadProductFile(path)
	if err != nil {
		fr.err = err
		return fr
	}

	vectors := make([]*vector.NamedVector, 0, len(page.Products))
	for i := range page.Products {
		fr.products++
		v, err := vectorizeRecord(vz, &page.Products[i])
		var skip *vectorize.SkipError
		switch {
		case err == nil:
			vectors = append(vectors, v)
			fr.vectorized++
		case errors.As(err, &skip):
			fr.skipped++
			fr.skipReasons[skip.Reason.Error()]++
		default:
			fr.failed++
			logger.WithError(err).WithFields(logrus.Fields{
				"file":  path,
				"model": page.Products[i].ModelNumber,
			}).Warn("Failed to vectorize product")
		}
	}

	if len(vectors) == 0 {
		return fr
	}
	if err := e.Corpus.Append(vectors, partial); err != nil {
		// nothing from this file reaches the corpus
		fr.failed += fr.vectorized
		fr.vectorized = 0
		fr.err = err
		return fr
	}
	fr.wrote = true
	return fr
}

// vectorizeRecord turns a panic while vectorizing one record into an error.
func vectorizeRecord(vz *vectorize.Vectorizer, p *product.Product) (v *vector.NamedVector, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic vectorizing %q: %v", p.ModelNumber, r)
		}
	}()
	return vz.VectorizeProduct(p)
}

// Refresh runs one full corpus refresh: download the retailer feed when a
// source is configured, vectorize every product file, then merge the
// partials into category partitions. Refreshes are serialized.
func (e *Engine) Refresh(ctx context.Context) (*RefreshResult, error) {
	ctx, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.release()
	return e.refresh(ctx)
}

// StartRefresh starts a refresh in the background.
func (e *Engine) StartRefresh() error {
	ctx, err := e.acquire(context.Background())
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()
		if _, err := e.refresh(ctx); err != nil {
			e.Logger.WithError(err).Error("Background refresh failed")
		}
	}()
	return nil
}

// StopRefresh cancels a running refresh.
func (e *Engine) StopRefresh() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning && e.cancelRefresh != nil {
		e.cancelRefresh()
	}
}

// WaitRefresh blocks until a background refresh has returned or ctx is done.
func (e *Engine) WaitRefresh(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) acquire(parent context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return nil, ErrRefreshRunning
	}
	ctx, cancel := context.WithCancel(parent)
	e.isRunning = true
	e.cancelRefresh = cancel
	metrics.RefreshRunning.Set(1)
	return ctx, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelRefresh != nil {
		e.cancelRefresh()
		e.cancelRefresh = nil
	}
	e.isRunning = false
	metrics.RefreshRunning.Set(0)
}

func (e *Engine) refresh(ctx context.Context) (*RefreshResult, error) {
	partialDir := e.Config.Corpus.PartialDir
	result := &RefreshResult{}

	recovered, err := e.recoverPartials(partialDir)
	if err != nil {
		return result, e.fail(err)
	}
	result.Recovered = recovered

	if e.Source != nil {
		dl, err := e.download(ctx)
		if err != nil {
			return result, e.fail(fmt.Errorf("feed download failed: %w", err))
		}
		result.Download = dl
	}

	batch, err := e.VectorizeBatch(ctx, e.Products.Dir(), partialDir)
	result.Batch = batch
	if err != nil {
		e.discardPartials(partialDir, batch.RunID)
		return result, e.fail(err)
	}

	// all workers are done; the merge is the only writer of partitions
	merge, err := e.Corpus.MergeByCategory(partialDir)
	result.Merge = merge
	if err != nil {
		metrics.MergeRuns.WithLabelValues("error").Inc()
		return result, e.fail(fmt.Errorf("merge failed: %w", err))
	}
	metrics.MergeRuns.WithLabelValues("ok").Inc()
	if err := storage.ClearRunMarkers(partialDir); err != nil {
		e.Logger.WithError(err).Warn("Failed to clear run markers")
	}
	for category, n := range merge.PerCategory {
		metrics.PartitionVectors.WithLabelValues(category).Set(float64(n))
	}

	e.mu.Lock()
	e.stats.Refreshes++
	e.stats.LastRefresh = time.Now()
	batchCopy, mergeCopy := result.Batch, result.Merge
	e.stats.LastBatch = &batchCopy
	e.stats.LastMerge = &mergeCopy
	e.stats.LastDownload = result.Download
	e.stats.LastError = ""
	e.mu.Unlock()

	return result, nil
}

// recoverPartials deals with partials an earlier run left behind. Partials of a run
// that never finished are deleted, since merging them would replace the
// live partitions with a fragment of the corpus. A finished run that was
// interrupted before its merge is merged now.
func (e *Engine) recoverPartials(partialDir string) (*storage.MergeResult, error) {
	discarded, err := storage.DiscardIncomplete(partialDir)
	if err != nil {
		return nil, err
	}
	if len(discarded) > 0 {
		e.Logger.WithField("partials", len(discarded)).Warn("Discarded partials of an unfinished run")
	}

	pending, err := storage.PendingPartials(partialDir)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, storage.ClearRunMarkers(partialDir)
	}

	e.Logger.WithField("partials", len(pending)).Warn("Completing interrupted merge before refresh")
	recovered, err := e.Corpus.MergeByCategory(partialDir)
	if err != nil {
		metrics.MergeRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to complete pending merge: %w", err)
	}
	metrics.MergeRuns.WithLabelValues("recovered").Inc()
	if err := storage.ClearRunMarkers(partialDir); err != nil {
		return nil, err
	}
	return &recovered, nil
}

// download fetches the feed into a staging directory and swaps it in as the
// product directory only when the download succeeds, so pages the feed no
// longer serves drop out of the corpus.
func (e *Engine) download(ctx context.Context) (*fetcher.DownloadResult, error) {
	productDir := e.Products.Dir()
	staging := productDir + stagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	store, err := storage.NewFileStorage(staging)
	if err != nil {
		return nil, err
	}

	dl, err := e.Source.Download(ctx, product.Categories, store)
	if err == nil {
		var files []string
		files, err = store.List()
		if err == nil && len(files) == 0 {
			err = ErrEmptyFeed
		}
	}
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	if err := storage.ReplaceDir(productDir, staging); err != nil {
		return nil, err
	}
	for i, f := range dl.Files {
		dl.Files[i] = filepath.Join(productDir, filepath.Base(f))
	}
	return &dl, nil
}

// discardPartials removes the partial files of a failed run so they can
// neither block nor leak into the next merge.
func (e *Engine) discardPartials(partialDir, runID string) {
	if runID == "" {
		return
	}
	partials, err := storage.RunPartials(partialDir, runID)
	if err != nil {
		return
	}
	for _, p := range partials {
		if err := os.Remove(p); err != nil {
			e.Logger.WithError(err).WithField("partial", p).Warn("Failed to discard partial file")
		}
	}
}

func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.stats.LastError = err.Error()
	e.mu.Unlock()
	return err
}
