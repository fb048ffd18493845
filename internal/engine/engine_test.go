package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/productmatch/backend/internal/config"
	"github.com/productmatch/backend/internal/engine"
	"github.com/productmatch/backend/internal/fetcher"
	"github.com/productmatch/backend/internal/history"
	"github.com/productmatch/backend/internal/product"
	"github.com/productmatch/backend/internal/storage"
	"github.com/productmatch/backend/internal/vector"
	"github.com/productmatch/backend/internal/vectorize"
	"github.com/productmatch/backend/internal/vocabulary"
	"github.com/productmatch/backend/internal/weights"
)

func init() {
	// Set log level to warn to reduce noise during tests
	logrus.SetLevel(logrus.WarnLevel)
}

const testVocabulary = `
Laptops:Brand=HP,Apple,Dell
Laptops:Optical Drive=Yes,No
TVs:Brand=Samsung,Sony
TVs:Screen Size=32,40,55
`

type MockSource struct {
	mock.Mock
}

func (m *MockSource) Download(ctx context.Context, categories []string, store storage.ProductStorage) (fetcher.DownloadResult, error) {
	args := m.Called(ctx, categories, store)
	return args.Get(0).(fetcher.DownloadResult), args.Error(1)
}

func (m *MockSource) Lookup(ctx context.Context, modelNumber string) (*product.Product, error) {
	args := m.Called(ctx, modelNumber)
	p, _ := args.Get(0).(*product.Product)
	return p, args.Error(1)
}

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) Record(ctx context.Context, e history.Entry) (history.Entry, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(history.Entry), args.Error(1)
}

func (m *MockHistory) Recent(ctx context.Context, n int) ([]history.Entry, error) {
	args := m.Called(ctx, n)
	return args.Get(0).([]history.Entry), args.Error(1)
}

func newEngine(t *testing.T) (*engine.Engine, *storage.FileStorage) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Corpus.Dir = filepath.Join(dir, "vectors")
	cfg.Corpus.PartialDir = filepath.Join(dir, "partials")
	cfg.Corpus.ProductDir = filepath.Join(dir, "products")
	cfg.Weights.CurrentPath = filepath.Join(dir, "weights.current.properties")
	cfg.Weights.InitialPath = filepath.Join(dir, "weights.initial.properties")
	cfg.Batch.MaxConcurrency = 4

	vocab, err := vocabulary.Parse(strings.NewReader(testVocabulary))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Weights.InitialPath, []byte("brand=4\nprice=4\n"), 0o644))
	tbl, err := weights.Load(cfg.Weights.CurrentPath, cfg.Weights.InitialPath)
	require.NoError(t, err)

	products, err := storage.NewFileStorage(cfg.Corpus.ProductDir)
	require.NoError(t, err)
	corpus, err := storage.NewCorpusStore(cfg.Corpus.Dir, nil)
	require.NoError(t, err)

	e, err := engine.NewEngine(cfg, nil, products, corpus, vocab, tbl)
	require.NoError(t, err)
	return e, products
}

func laptopPage() *product.Page {
	return &product.Page{
		Category: product.CategoryLaptops,
		Page:     1,
		Products: []product.Product{
			{SKU: "1", ModelNumber: "L1", Brand: "HP", CategoryPath: []string{"Computers", "Laptops"}, Price: product.Price(499),
				Details: []product.Detail{{Name: "Optical Drive", Value: "no"}}},
			{SKU: "2", ModelNumber: "L2", Brand: "Dell", CategoryPath: []string{"Computers", "Laptops"}, Price: product.Price(1500)},
			{SKU: "3", ModelNumber: "L3", Brand: "Acme", CategoryPath: []string{"Computers", "Laptops"}, Price: product.Price(300)},
			{SKU: "4", ModelNumber: "", Brand: "HP", CategoryPath: []string{"Computers", "Laptops"}, Price: product.Price(300)},
		},
	}
}

func tvPage() *product.Page {
	return &product.Page{
		Category: product.CategoryTVs,
		Page:     1,
		Products: []product.Product{
			{SKU: "5", ModelNumber: "T1", Brand: "Sony", CategoryPath: []string{"TVs"}, Price: product.Price(899)},
			{SKU: "6", ModelNumber: "T2", Brand: "Sony", CategoryPath: []string{"TV Accessories"}, Price: product.Price(19)},
		},
	}
}

func seed(t *testing.T, store storage.ProductStorage) {
	t.Helper()
	for _, p := range []*product.Page{laptopPage(), tvPage()} {
		_, err := store.Save(p)
		require.NoError(t, err)
	}
}

func TestVectorizeBatch(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)

	result, err := e.VectorizeBatch(context.Background(), products.Dir(), e.Config.Corpus.PartialDir)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 2, result.Files)
	assert.Equal(t, 2, result.Partials)
	assert.Equal(t, 6, result.Products)
	assert.Equal(t, 3, result.Vectorized)
	assert.Equal(t, 3, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 1, result.SkipReasons[vectorize.ErrInvalidBrand.Error()])
	assert.Equal(t, 1, result.SkipReasons[vectorize.ErrMissingModel.Error()])
	assert.Equal(t, 1, result.SkipReasons[vectorize.ErrAccessoryCategory.Error()])

	pending, err := storage.PendingPartials(e.Config.Corpus.PartialDir)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestVectorizeBatchRefusesPendingPartials(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)

	_, err := e.VectorizeBatch(context.Background(), products.Dir(), e.Config.Corpus.PartialDir)
	require.NoError(t, err)

	_, err = e.VectorizeBatch(context.Background(), products.Dir(), e.Config.Corpus.PartialDir)
	assert.ErrorIs(t, err, storage.ErrPendingMerge)
}

func TestVectorizeBatchCountsUnreadableFiles(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)
	require.NoError(t, os.WriteFile(filepath.Join(products.Dir(), "broken.json"), []byte("{not json"), 0o644))

	result, err := e.VectorizeBatch(context.Background(), products.Dir(), e.Config.Corpus.PartialDir)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Files)
	assert.Equal(t, 3, result.Vectorized)
	require.Len(t, result.FailedFiles, 1)
	assert.Equal(t, "broken.json", filepath.Base(result.FailedFiles[0]))
}

func TestRefreshAndMatch(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)

	result, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Merge.Partials)
	assert.Equal(t, 3, result.Merge.Vectors)
	assert.Len(t, result.Merge.Files, len(product.Categories))
	assert.False(t, e.IsRunning())

	pending, err := storage.PendingPartials(e.Config.Corpus.PartialDir)
	require.NoError(t, err)
	assert.Empty(t, pending)

	match, err := e.Match(context.Background(), map[string]string{
		"category": "Laptops",
		"brand":    "hp",
		"price":    "489",
	}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, product.CategoryLaptops, match.Category)
	assert.Equal(t, 5, match.TopK)
	require.Len(t, match.Matches, 2)
	assert.Equal(t, "Laptops:L1:HP", match.Matches[0].Name)
	assert.Equal(t, "L1", match.Matches[0].Model)
	assert.Equal(t, "HP", match.Matches[0].Brand)
	assert.Less(t, match.Matches[0].Distance, match.Matches[1].Distance)

	status := e.Status()
	assert.Equal(t, int64(1), status.Stats.Refreshes)
	assert.Equal(t, int64(1), status.Stats.Matches)
	assert.Equal(t, 2, status.Partitions[product.CategoryLaptops])
	assert.Equal(t, 0, status.Partitions[product.CategoryPrinters])
}

func TestRefreshTwiceDoesNotDoubleCount(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)

	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	_, err = e.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, e.Corpus.PartitionSizes()[product.CategoryLaptops])
	assert.Equal(t, 1, e.Corpus.PartitionSizes()[product.CategoryTVs])
}

func TestRefreshCompletesPendingMerge(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)

	// an earlier run vectorized but never merged
	_, err := e.VectorizeBatch(context.Background(), products.Dir(), e.Config.Corpus.PartialDir)
	require.NoError(t, err)

	result, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Recovered)
	assert.Equal(t, 3, result.Recovered.Vectors)
	assert.Equal(t, 2, e.Corpus.PartitionSizes()[product.CategoryLaptops])
}

func TestRefreshDiscardsPartialsOfUnfinishedRun(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	before := e.Corpus.PartitionSizes()

	// a run that crashed after writing one partial and never finished
	v := vector.New("TVs:T1:Sony", 1000)
	v.Add(1, 1)
	require.NoError(t, e.Corpus.Append([]*vector.NamedVector{v},
		filepath.Join(e.Config.Corpus.PartialDir, "deadrun-x"+storage.PartialExt)))

	src := new(MockSource)
	e.Source = src
	src.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Return(fetcher.DownloadResult{}, errors.New("feed unavailable"))

	result, err := e.Refresh(context.Background())
	require.Error(t, err)
	assert.Nil(t, result.Recovered)
	assert.Equal(t, before, e.Corpus.PartitionSizes())
	assert.Equal(t, 2, before[product.CategoryLaptops])

	pending, err := storage.PendingPartials(e.Config.Corpus.PartialDir)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// the product directory survives a failed download
	files, err := products.List()
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestRefreshDropsPagesNoLongerInFeed(t *testing.T) {
	e, _ := newEngine(t)
	src := new(MockSource)
	e.Source = src

	gone := &product.Page{
		Category: product.CategoryLaptops,
		Page:     2,
		Products: []product.Product{
			{SKU: "7", ModelNumber: "GONE", Brand: "HP", CategoryPath: []string{"Laptops"}, Price: product.Price(650)},
		},
	}
	src.On("Download", mock.Anything, product.Categories, mock.Anything).
		Run(func(args mock.Arguments) {
			store := args.Get(2).(storage.ProductStorage)
			_, err := store.Save(laptopPage())
			require.NoError(t, err)
			_, err = store.Save(gone)
			require.NoError(t, err)
		}).
		Return(fetcher.DownloadResult{Pages: 2, Products: 5}, nil).Once()
	src.On("Download", mock.Anything, product.Categories, mock.Anything).
		Run(func(args mock.Arguments) {
			store := args.Get(2).(storage.ProductStorage)
			_, err := store.Save(laptopPage())
			require.NoError(t, err)
		}).
		Return(fetcher.DownloadResult{Pages: 1, Products: 4}, nil).Once()

	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, e.Corpus.PartitionSizes()[product.CategoryLaptops])

	_, err = e.Refresh(context.Background())
	require.NoError(t, err)

	vs, err := e.Corpus.ReadPartition(product.CategoryLaptops)
	require.NoError(t, err)
	var got []string
	for _, v := range vs {
		got = append(got, v.Name)
	}
	assert.ElementsMatch(t, []string{"Laptops:L1:HP", "Laptops:L2:Dell"}, got)

	files, err := e.Products.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "Laptops-1.json", filepath.Base(files[0]))
	src.AssertExpectations(t)
}

func TestRefreshFailsOnEmptyFeed(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)
	src := new(MockSource)
	e.Source = src
	src.On("Download", mock.Anything, mock.Anything, mock.Anything).Return(fetcher.DownloadResult{}, nil)

	_, err := e.Refresh(context.Background())
	assert.ErrorIs(t, err, engine.ErrEmptyFeed)

	files, err := products.List()
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestStopRefreshAndWait(t *testing.T) {
	e, _ := newEngine(t)
	src := new(MockSource)
	e.Source = src

	started := make(chan struct{})
	src.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(fetcher.DownloadResult{}, context.Canceled).Once()

	require.NoError(t, e.StartRefresh())
	<-started
	e.StopRefresh()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitRefresh(ctx))
	assert.False(t, e.IsRunning())
	assert.Contains(t, e.Status().Stats.LastError, "context canceled")
}

func TestRefreshDownloadsFromSource(t *testing.T) {
	e, _ := newEngine(t)
	src := new(MockSource)
	e.Source = src

	src.On("Download", mock.Anything, product.Categories, mock.Anything).
		Run(func(args mock.Arguments) {
			store := args.Get(2).(storage.ProductStorage)
			_, err := store.Save(laptopPage())
			require.NoError(t, err)
		}).
		Return(fetcher.DownloadResult{Pages: 1, Products: 4}, nil)

	result, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Download)
	assert.Equal(t, 4, result.Download.Products)
	assert.Equal(t, 2, result.Batch.Vectorized)
	src.AssertExpectations(t)
}

func TestRefreshRejectsConcurrentRuns(t *testing.T) {
	e, _ := newEngine(t)
	src := new(MockSource)
	e.Source = src

	release := make(chan struct{})
	started := make(chan struct{})
	src.On("Download", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-release
		}).
		Return(fetcher.DownloadResult{}, nil).Once()

	require.NoError(t, e.StartRefresh())
	<-started
	assert.True(t, e.IsRunning())

	_, err := e.Refresh(context.Background())
	assert.ErrorIs(t, err, engine.ErrRefreshRunning)
	assert.ErrorIs(t, e.StartRefresh(), engine.ErrRefreshRunning)

	close(release)
	require.Eventually(t, func() bool { return !e.IsRunning() }, 5*time.Second, 10*time.Millisecond)
}

func TestMatchHydratesAndRecordsHistory(t *testing.T) {
	e, products := newEngine(t)
	seed(t, products)
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)

	src := new(MockSource)
	hist := new(MockHistory)
	e.Source = src
	e.History = hist

	src.On("Lookup", mock.Anything, "L1").Return(&product.Product{ModelNumber: "L1", Name: "HP Pavilion"}, nil)
	src.On("Lookup", mock.Anything, "L2").Return(nil, fetcher.ErrNotFound)
	hist.On("Record", mock.Anything, mock.MatchedBy(func(entry history.Entry) bool {
		return entry.Category == product.CategoryLaptops && entry.TopK == 2 && len(entry.Results) == 2
	})).Return(history.Entry{}, nil)

	match, err := e.Match(context.Background(), map[string]string{"category": "laptops", "brand": "HP"}, 2, true)
	require.NoError(t, err)
	require.Len(t, match.Matches, 2)
	require.NotNil(t, match.Matches[0].Product)
	assert.Equal(t, "HP Pavilion", match.Matches[0].Product.Name)
	assert.Nil(t, match.Matches[1].Product)

	src.AssertExpectations(t)
	hist.AssertExpectations(t)
}

func TestMatchErrors(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Match(context.Background(), map[string]string{"brand": "HP"}, 5, false)
	assert.ErrorIs(t, err, vectorize.ErrMissingCategory)

	_, err = e.Match(context.Background(), map[string]string{"category": "Kitchen"}, 5, false)
	assert.ErrorIs(t, err, vectorize.ErrUnknownCategory)

	// no refresh yet
	_, err = e.Match(context.Background(), map[string]string{"category": "TVs"}, 5, false)
	assert.ErrorIs(t, err, storage.ErrPartitionNotFound)
}

func TestUpdateWeights(t *testing.T) {
	e, _ := newEngine(t)

	tbl, err := e.UpdateWeights(map[string]float64{"brand": 9})
	require.NoError(t, err)
	assert.Equal(t, 9.0, tbl.Get("brand", 0))
	assert.Equal(t, 4.0, tbl.Get("price", 0))
	assert.Equal(t, e.Config.Weights.CurrentPath, e.Tables().Weights.Source())

	_, err = e.UpdateWeights(map[string]float64{"brand": -1})
	assert.ErrorIs(t, err, engine.ErrInvalidWeight)
}

func TestRecentSearchesWithoutHistory(t *testing.T) {
	e, _ := newEngine(t)

	entries, err := e.RecentSearches(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
