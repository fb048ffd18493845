package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/productmatch/backend/internal/config"
	"github.com/productmatch/backend/internal/encoder"
	"github.com/productmatch/backend/internal/fetcher"
	"github.com/productmatch/backend/internal/history"
	"github.com/productmatch/backend/internal/metrics"
	"github.com/productmatch/backend/internal/product"
	"github.com/productmatch/backend/internal/rank"
	"github.com/productmatch/backend/internal/storage"
	"github.com/productmatch/backend/internal/vector"
	"github.com/productmatch/backend/internal/vectorize"
	"github.com/productmatch/backend/internal/vocabulary"
	"github.com/productmatch/backend/internal/weights"
)

var (
	// ErrRefreshRunning is returned when a refresh is requested while one is in progress.
	ErrRefreshRunning = errors.New("a corpus refresh is already running")
	// ErrInvalidWeight rejects a non-positive weight override.
	ErrInvalidWeight = errors.New("feature weights must be positive")
	// ErrEmptyFeed is returned when a feed download stores no product pages.
	ErrEmptyFeed = errors.New("feed download returned no product pages")
)

// ProductSource is the retailer feed: it supplies product pages for a
// refresh and full records for hydrating match results.
type ProductSource interface {
	Download(ctx context.Context, categories []string, store storage.ProductStorage) (fetcher.DownloadResult, error)
	Lookup(ctx context.Context, modelNumber string) (*product.Product, error)
}

// HistoryStore persists match requests.
type HistoryStore interface {
	Record(ctx context.Context, e history.Entry) (history.Entry, error)
	Recent(ctx context.Context, n int) ([]history.Entry, error)
}

// Tables are the immutable lookup tables every vectorization reads.
type Tables struct {
	Vocabulary *vocabulary.Vocabulary
	Weights    *weights.Table
	Vectorizer *vectorize.Vectorizer
	LoadedAt   time.Time
}

// Engine orchestrates vectorization, merging and matching
type Engine struct {
	Config   *config.Config
	Logger   *logrus.Entry
	Products storage.ProductStorage
	Corpus   *storage.CorpusStore
	Ranker   *rank.Ranker
	Source   ProductSource
	History  HistoryStore

	encoder *encoder.Encoder
	tables  atomic.Pointer[Tables]

	// State
	isRunning     bool
	mu            sync.RWMutex
	cancelRefresh context.CancelFunc
	wg            sync.WaitGroup

	// Stats
	stats EngineStats
}

// EngineStats records engine activity since start.
type EngineStats struct {
	Refreshes    int64                   `json:"refreshes"`
	Matches      int64                   `json:"matches"`
	LastRefresh  time.Time               `json:"last_refresh,omitempty"`
	LastBatch    *BatchResult            `json:"last_batch,omitempty"`
	LastMerge    *storage.MergeResult    `json:"last_merge,omitempty"`
	LastDownload *fetcher.DownloadResult `json:"last_download,omitempty"`
	LastError    string                  `json:"last_error,omitempty"`
	StartTime    time.Time               `json:"start_time"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running    bool           `json:"running"`
	Stats      EngineStats    `json:"stats"`
	Partitions map[string]int `json:"partitions"`
	Vocabulary string         `json:"vocabulary"`
	Attributes int            `json:"attributes"`
	Weights    string         `json:"weights"`
	TablesAt   time.Time      `json:"tables_loaded_at"`
}

// Match is one ranked corpus entry.
type Match struct {
	Name     string           `json:"name"`
	Model    string           `json:"model"`
	Brand    string           `json:"brand"`
	Distance float64          `json:"distance"`
	Product  *product.Product `json:"product,omitempty"`
}

// MatchResult is the answer to one preference query.
type MatchResult struct {
	Category string  `json:"category"`
	TopK     int     `json:"top_k"`
	Matches  []Match `json:"matches"`
}

// NewEngine creates an engine over the given stores and tables
func NewEngine(cfg *config.Config, logger *logrus.Entry, products storage.ProductStorage, corpus *storage.CorpusStore, vocab *vocabulary.Vocabulary, tbl *weights.Table) (*Engine, error) {
	if logger == nil {
		logger = logrus.WithField("component", "engine")
	}

	e := &Engine{
		Config:   cfg,
		Logger:   logger,
		Products: products,
		Corpus:   corpus,
		Ranker: rank.New(rank.Options{
			DefaultTopK: cfg.Ranker.DefaultTopK,
			MaxTopK:     cfg.Ranker.MaxTopK,
		}),
		encoder: encoder.New(cfg.Encoder.Dimension),
		stats:   EngineStats{StartTime: time.Now()},
	}
	if err := e.ReloadTables(vocab, tbl); err != nil {
		return nil, err
	}
	return e, nil
}

// Tables returns the current lookup tables.
func (e *Engine) Tables() *Tables {
	return e.tables.Load()
}

// ReloadTables atomically swaps in a new vocabulary and weight table.
// Running batches keep the tables they started with.
func (e *Engine) ReloadTables(vocab *vocabulary.Vocabulary, tbl *weights.Table) error {
	vz, err := vectorize.New(vocab, e.encoder, tbl, vectorize.Options{
		Probes:           e.Config.Encoder.Probes,
		PriceBucketWidth: e.Config.Vectorizer.PriceBucketWidth,
		MinTokenLen:      e.Config.Vectorizer.MinTokenLen,
		MaxTokenLen:      e.Config.Vectorizer.MaxTokenLen,
	}, e.Logger.WithField("component", "vectorizer"))
	if err != nil {
		return err
	}
	e.tables.Store(&Tables{
		Vocabulary: vocab,
		Weights:    tbl,
		Vectorizer: vz,
		LoadedAt:   time.Now(),
	})
	e.Logger.WithFields(logrus.Fields{
		"vocabulary": vocab.Source(),
		"attributes": vocab.Len(),
		"weights":    tbl.Source(),
	}).Info("Loaded vocabulary and weight tables")
	return nil
}

// Reload rereads the vocabulary and weight files named in the configuration.
func (e *Engine) Reload() error {
	vocab, err := vocabulary.Load(e.Config.Vocabulary.Path)
	if err != nil {
		return err
	}
	tbl, err := weights.Load(e.Config.Weights.CurrentPath, e.Config.Weights.InitialPath)
	if err != nil {
		return err
	}
	return e.ReloadTables(vocab, tbl)
}

// UpdateWeights applies overrides to the current weight table, persists
// the result as the current weights file and reloads.
func (e *Engine) UpdateWeights(overrides map[string]float64) (*weights.Table, error) {
	for feature, w := range overrides {
		if w <= 0 {
			return nil, fmt.Errorf("%w: %s=%v", ErrInvalidWeight, feature, w)
		}
	}
	current := e.Tables()
	tbl := current.Weights.With(overrides)
	if err := weights.Save(e.Config.Weights.CurrentPath, tbl); err != nil {
		return nil, err
	}
	saved, err := weights.Load(e.Config.Weights.CurrentPath, e.Config.Weights.InitialPath)
	if err != nil {
		return nil, err
	}
	if err := e.ReloadTables(current.Vocabulary, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// Match vectorizes a preference query and ranks the category partition it
// names. Hydration looks up each match on the retailer feed; lookup
// failures leave Product empty.
func (e *Engine) Match(ctx context.Context, params map[string]string, topK int, hydrate bool) (*MatchResult, error) {
	start := time.Now()
	vz := e.Tables().Vectorizer

	q, err := vz.VectorizeQuery(params)
	if err != nil {
		metrics.MatchRequests.WithLabelValues("", "invalid").Inc()
		return nil, err
	}
	category := vectorize.CategoryOfQuery(q)
	k := e.Ranker.ClampTopK(topK)
	result := &MatchResult{Category: category, TopK: k, Matches: []Match{}}

	ranked, err := e.Ranker.RankSource(q, func(fn func(*vector.NamedVector) error) error {
		return e.Corpus.ScanPartition(category, fn)
	}, k)
	switch {
	case errors.Is(err, rank.ErrEmptyQuery):
		e.Logger.WithField("category", category).Warn("Query produced an empty vector")
		metrics.MatchRequests.WithLabelValues(category, "empty").Inc()
		return result, nil
	case err != nil:
		metrics.MatchRequests.WithLabelValues(category, "error").Inc()
		return nil, err
	}

	for _, r := range ranked {
		m := Match{Name: r.Name, Distance: r.Distance}
		if parts := strings.SplitN(r.Name, vector.NameSeparator, 3); len(parts) == 3 {
			m.Model, m.Brand = parts[1], parts[2]
		}
		if hydrate && e.Source != nil && m.Model != "" {
			p, err := e.Source.Lookup(ctx, m.Model)
			if err != nil {
				e.Logger.WithError(err).WithField("model", m.Model).Warn("Failed to hydrate match")
			} else {
				m.Product = p
			}
		}
		result.Matches = append(result.Matches, m)
	}

	if e.History != nil {
		if _, err := e.History.Record(ctx, history.Entry{
			Category: category,
			Params:   params,
			TopK:     k,
			Results:  rank.Names(ranked),
		}); err != nil {
			e.Logger.WithError(err).Warn("Failed to record search history")
		}
	}

	e.mu.Lock()
	e.stats.Matches++
	e.mu.Unlock()
	metrics.MatchRequests.WithLabelValues(category, "ok").Inc()
	metrics.MatchLatency.WithLabelValues(category).Observe(time.Since(start).Seconds())
	return result, nil
}

// RecentSearches returns up to n recorded match requests, newest first.
func (e *Engine) RecentSearches(ctx context.Context, n int) ([]history.Entry, error) {
	if e.History == nil {
		return []history.Entry{}, nil
	}
	return e.History.Recent(ctx, n)
}

// IsRunning reports whether a refresh is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

// Status returns engine statistics and partition sizes.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{Running: e.isRunning, Stats: e.stats}
	e.mu.RUnlock()

	t := e.Tables()
	st.Vocabulary = t.Vocabulary.Source()
	st.Attributes = t.Vocabulary.Len()
	st.Weights = t.Weights.Source()
	st.TablesAt = t.LoadedAt
	st.Partitions = e.Corpus.PartitionSizes()
	return st
}
