package rank

import (
	"errors"
	"sort"

	"github.com/productmatch/backend/internal/vector"
)

// Defaults for the number of results returned by a ranking.
const (
	DefaultTopK = 5
	MaxTopK     = 25
)

// ErrEmptyQuery is returned for a query vector without any non-zero entry.
var ErrEmptyQuery = errors.New("query vector has no non-zero entries")

// Result holds a ranked corpus vector and its cosine distance to the query
type Result struct {
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

// Options bounds the requested result count.
type Options struct {
	DefaultTopK int
	MaxTopK     int
}

// Source streams corpus vectors to the callback until it returns an error.
type Source func(fn func(*vector.NamedVector) error) error

// Ranker finds the corpus vectors closest to a query.
type Ranker struct {
	defaultTopK int
	maxTopK     int
}

// New creates a ranker. Non-positive options fall back to the package defaults.
func New(opts Options) *Ranker {
	r := &Ranker{defaultTopK: opts.DefaultTopK, maxTopK: opts.MaxTopK}
	if r.maxTopK <= 0 {
		r.maxTopK = MaxTopK
	}
	if r.defaultTopK <= 0 {
		r.defaultTopK = DefaultTopK
	}
	if r.defaultTopK > r.maxTopK {
		r.defaultTopK = r.maxTopK
	}
	return r
}

// ClampTopK resets k <= 0 to the default and caps it at the maximum.
func (r *Ranker) ClampTopK(k int) int {
	if k <= 0 {
		return r.defaultTopK
	}
	if k > r.maxTopK {
		return r.maxTopK
	}
	return k
}

// Rank returns the names of at most topK corpus vectors, closest first.
func (r *Ranker) Rank(query *vector.NamedVector, corpus []*vector.NamedVector, topK int) ([]string, error) {
	results, err := r.Scored(query, corpus, topK)
	if err != nil {
		return nil, err
	}
	return Names(results), nil
}

// Scored is Rank with distances.
func (r *Ranker) Scored(query *vector.NamedVector, corpus []*vector.NamedVector, topK int) ([]Result, error) {
	return r.RankSource(query, func(fn func(*vector.NamedVector) error) error {
		for _, v := range corpus {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	}, topK)
}

// RankSource ranks a streamed corpus, keeping only topK candidates in memory.
func (r *Ranker) RankSource(query *vector.NamedVector, source Source, topK int) ([]Result, error) {
	if query == nil || query.NonZero() == 0 {
		return []Result{}, ErrEmptyQuery
	}
	k := r.ClampTopK(topK)
	queryNorm := query.Norm()

	kept := make([]Result, 0, k)
	err := source(func(v *vector.NamedVector) error {
		d := distance(query, queryNorm, v)
		if len(kept) < k {
			kept = append(kept, Result{Name: v.Name, Distance: d})
			return nil
		}
		worst := 0
		for i := 1; i < len(kept); i++ {
			if kept[i].Distance > kept[worst].Distance {
				worst = i
			}
		}
		// equal distance keeps the earlier candidate
		if d < kept[worst].Distance {
			kept[worst] = Result{Name: v.Name, Distance: d}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Distance < kept[j].Distance
	})
	return kept, nil
}

// Names extracts the vector names of results in order.
func Names(results []Result) []string {
	names := make([]string, len(results))
	for i, res := range results {
		names[i] = res.Name
	}
	return names
}

func distance(query *vector.NamedVector, queryNorm float64, v *vector.NamedVector) float64 {
	norm := v.Norm()
	if norm == 0 {
		return 1
	}
	d := 1 - query.Dot(v)/(queryNorm*norm)
	if d < 0 {
		return 0
	}
	return d
}
