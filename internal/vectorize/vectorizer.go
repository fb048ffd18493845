// Package vectorize turns product records and user queries into named
// feature-hashed vectors.
//
// Products and queries go through the same weighting scheme so that their
// vectors can be compared by cosine distance:
//
//	attribute values    normalized, weight per attribute (default 2)
//	price bucket        "price"      (default 4)
//	brand               "brand"      (default 4)
//	category            "category"   (default 3)
//	brand + price       "brandprice" (default 6)
//	description tokens  "features"   (default 1)
package vectorize

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/productmatch/backend/internal/encoder"
	"github.com/productmatch/backend/internal/normalize"
	"github.com/productmatch/backend/internal/product"
	"github.com/productmatch/backend/internal/vector"
	"github.com/productmatch/backend/internal/vocabulary"
	"github.com/productmatch/backend/internal/weights"
)

// Feature names shared by product and query vectors.
const (
	FeatureCategory   = "category"
	FeatureBrand      = "brand"
	FeaturePrice      = "price"
	FeatureBrandPrice = "brandprice"
	FeatureText       = "features"
)

// Default weights, used when the weight table has no entry for a feature.
const (
	DefaultAttributeWeight  = 2.0
	DefaultCategoryWeight   = 3.0
	DefaultBrandWeight      = 4.0
	DefaultPriceWeight      = 4.0
	DefaultBrandPriceWeight = 6.0
	DefaultTextWeight       = 1.0
)

// Reserved query keys.
const (
	QueryCategory = "category"
	QueryPrice    = "price"
	QueryBrand    = "brand"
	QueryKeywords = "keywords"
)

// QueryVectorPrefix prefixes the name of every query vector.
const QueryVectorPrefix = "query"

// Reasons a product cannot be vectorized.
var (
	ErrMissingModel      = errors.New("missing model number")
	ErrInvalidBrand      = errors.New("brand not in canonical vocabulary")
	ErrUnknownCategory   = errors.New("unrecognized category")
	ErrAccessoryCategory = errors.New("accessory category")
	ErrMissingPrice      = errors.New("missing price")
)

// ErrMissingCategory is returned for queries without a category.
var ErrMissingCategory = errors.New("query has no category")

// SkipError reports that a record was skipped rather than failed.
type SkipError struct {
	Model  string
	Reason error
}

func (e *SkipError) Error() string {
	if e.Model == "" {
		return "skipped: " + e.Reason.Error()
	}
	return fmt.Sprintf("skipped %s: %s", e.Model, e.Reason)
}

func (e *SkipError) Unwrap() error {
	return e.Reason
}

// IsSkip reports whether err is a per-item skip.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}

// Options tunes the vectorizer.
type Options struct {
	Probes           int
	PriceBucketWidth float64
	MinTokenLen      int
	MaxTokenLen      int
}

func (o *Options) applyDefaults() {
	if o.Probes <= 0 {
		o.Probes = encoder.DefaultProbes
	}
	if o.PriceBucketWidth <= 0 {
		o.PriceBucketWidth = DefaultPriceBucketWidth
	}
	if o.MinTokenLen <= 0 {
		o.MinTokenLen = DefaultMinTokenLen
	}
	if o.MaxTokenLen <= 0 {
		o.MaxTokenLen = DefaultMaxTokenLen
	}
}

// Vectorizer builds product and query vectors. It holds only read-only
// tables and is safe for concurrent use.
type Vectorizer struct {
	vocab      *vocabulary.Vocabulary
	normalizer *normalize.Normalizer
	encoder    *encoder.Encoder
	weights    *weights.Table
	opts       Options
	logger     *logrus.Entry
}

// New creates a vectorizer. The weight table is required.
func New(vocab *vocabulary.Vocabulary, enc *encoder.Encoder, tbl *weights.Table, opts Options, logger *logrus.Entry) (*Vectorizer, error) {
	if tbl == nil {
		return nil, weights.ErrNoWeightTable
	}
	if vocab == nil {
		return nil, errors.New("vocabulary is required")
	}
	if enc == nil {
		enc = encoder.New(vector.DefaultDimension)
	}
	if logger == nil {
		logger = logrus.WithField("component", "vectorizer")
	}
	opts.applyDefaults()
	return &Vectorizer{
		vocab:      vocab,
		normalizer: normalize.New(vocab),
		encoder:    enc,
		weights:    tbl,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Vocabulary returns the vocabulary the vectorizer was built with.
func (v *Vectorizer) Vocabulary() *vocabulary.Vocabulary {
	return v.vocab
}

// Weights returns the weight table the vectorizer was built with.
func (v *Vectorizer) Weights() *weights.Table {
	return v.weights
}

// Dimension returns the vector dimension.
func (v *Vectorizer) Dimension() int {
	return v.encoder.Dimension()
}

// VectorizeProduct encodes p into a vector named "{category}:{model}:{brand}".
// Products that cannot be vectorized return a *SkipError.
func (v *Vectorizer) VectorizeProduct(p *product.Product) (*vector.NamedVector, error) {
	model := strings.TrimSpace(p.ModelNumber)
	if model == "" {
		return nil, v.skip(p, ErrMissingModel)
	}

	brand := strings.TrimSpace(p.Brand)
	if v.vocab.HasBrands() {
		canonical, ok := v.vocab.CanonicalBrand(brand)
		if !ok {
			return nil, v.skip(p, ErrInvalidBrand)
		}
		brand = canonical
	}
	if brand == "" {
		return nil, v.skip(p, ErrInvalidBrand)
	}

	category, accessory := product.ResolveCategory(p.CategoryPath)
	if accessory {
		return nil, v.skip(p, ErrAccessoryCategory)
	}
	if category == "" {
		return nil, v.skip(p, ErrUnknownCategory)
	}

	if p.Price == nil {
		return nil, v.skip(p, ErrMissingPrice)
	}
	bucket, ok := PriceBucket(*p.Price, v.opts.PriceBucketWidth)
	if !ok {
		return nil, v.skip(p, ErrMissingPrice)
	}

	out := v.encoder.NewVector(category + vector.NameSeparator + model + vector.NameSeparator + brand)

	for _, d := range p.Details {
		v.encodeAttribute(category, d.Name, d.Value, out)
	}
	v.encodeCore(category, brand, &bucket, out)
	v.encodeTokens(Tokenize(p.LongDescription, v.opts.MinTokenLen, v.opts.MaxTokenLen), out)

	return out, nil
}

// VectorizeQuery encodes a flat attribute-name to value map with the same
// weighting as products. The "category" key is required; "price", "brand"
// and "keywords" are reserved. All values are additionally concatenated and
// encoded as one more text feature.
func (v *Vectorizer) VectorizeQuery(params map[string]string) (*vector.NamedVector, error) {
	reserved := make(map[string]string, 4)
	keys := make([]string, 0, len(params))
	for k, val := range params {
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		switch lk := strings.ToLower(strings.TrimSpace(k)); lk {
		case QueryCategory, QueryPrice, QueryBrand, QueryKeywords:
			reserved[lk] = val
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rawCategory, ok := reserved[QueryCategory]
	if !ok {
		return nil, ErrMissingCategory
	}
	category, accessory := product.ResolveCategory([]string{rawCategory})
	if accessory {
		return nil, fmt.Errorf("%w: %s", ErrAccessoryCategory, rawCategory)
	}
	if category == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, rawCategory)
	}

	brand := reserved[QueryBrand]
	if canonical, ok := v.vocab.CanonicalBrand(brand); ok {
		brand = canonical
	}

	var bucket *Bucket
	if raw, ok := reserved[QueryPrice]; ok {
		price, err := strconv.ParseFloat(strings.TrimPrefix(raw, "$"), 64)
		if err == nil {
			if b, ok := PriceBucket(price, v.opts.PriceBucketWidth); ok {
				bucket = &b
			}
		}
		if bucket == nil {
			v.logger.WithField("price", raw).Debug("Ignoring unparsable query price")
		}
	}

	out := v.encoder.NewVector(QueryVectorPrefix + vector.NameSeparator + category)

	values := make([]string, 0, len(keys))
	for _, k := range keys {
		val := strings.TrimSpace(params[k])
		if val == "" {
			continue
		}
		values = append(values, val)
		v.encodeAttribute(category, k, val, out)
	}
	v.encodeCore(category, brand, bucket, out)
	if kw, ok := reserved[QueryKeywords]; ok {
		v.encodeTokens(Tokenize(kw, v.opts.MinTokenLen, v.opts.MaxTokenLen), out)
	}
	if len(values) > 0 {
		v.encoder.Encode(FeatureText, strings.Join(values, " "), v.weights.Get(FeatureText, DefaultTextWeight), v.opts.Probes, out)
	}

	return out, nil
}

// CategoryOfQuery returns the category a query vector was built for.
func CategoryOfQuery(q *vector.NamedVector) string {
	return strings.TrimPrefix(q.Name, QueryVectorPrefix+vector.NameSeparator)
}

func (v *Vectorizer) encodeAttribute(category, name, raw string, out *vector.NamedVector) {
	if isReserved(name) {
		return
	}
	attr, ok := v.vocab.Attribute(category, strings.TrimSpace(name))
	if !ok {
		return
	}
	value := v.normalizer.Normalize(category, attr.Name, strings.TrimSpace(raw))
	if value == "" {
		return
	}
	v.encoder.Encode(attr.Name, value, v.weights.Get(attr.Name, DefaultAttributeWeight), v.opts.Probes, out)
}

// encodeCore encodes price, brand, category and the brand+price composite.
func (v *Vectorizer) encodeCore(category, brand string, bucket *Bucket, out *vector.NamedVector) {
	probes := v.opts.Probes
	if bucket != nil {
		v.encoder.EncodeNumeric(FeaturePrice, bucket.Midpoint, v.weights.Get(FeaturePrice, DefaultPriceWeight), probes, out)
	}
	if brand != "" {
		v.encoder.Encode(FeatureBrand, brand, v.weights.Get(FeatureBrand, DefaultBrandWeight), probes, out)
	}
	v.encoder.Encode(FeatureCategory, category, v.weights.Get(FeatureCategory, DefaultCategoryWeight), probes, out)
	if brand != "" && bucket != nil {
		composite := brand + vector.NameSeparator + encoder.FormatNumber(bucket.Midpoint)
		v.encoder.Encode(FeatureBrandPrice, composite, v.weights.Get(FeatureBrandPrice, DefaultBrandPriceWeight), probes, out)
	}
}

func (v *Vectorizer) encodeTokens(tokens []string, out *vector.NamedVector) {
	w := v.weights.Get(FeatureText, DefaultTextWeight)
	for _, tok := range tokens {
		v.encoder.Encode(FeatureText, tok, w, v.opts.Probes, out)
	}
}

func (v *Vectorizer) skip(p *product.Product, reason error) error {
	v.logger.WithFields(logrus.Fields{
		"sku":    p.SKU,
		"model":  p.ModelNumber,
		"brand":  p.Brand,
		"reason": reason.Error(),
	}).Debug("Skipping product")
	return &SkipError{Model: p.ModelNumber, Reason: reason}
}

func isReserved(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case QueryCategory, QueryPrice, QueryBrand, QueryKeywords:
		return true
	}
	return false
}
