package vectorize_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/productmatch/backend/internal/encoder"
	"github.com/productmatch/backend/internal/product"
	"github.com/productmatch/backend/internal/vector"
	"github.com/productmatch/backend/internal/vectorize"
	"github.com/productmatch/backend/internal/vocabulary"
	"github.com/productmatch/backend/internal/weights"
)

const vocab = `
Laptops:Brand=HP,Apple,Dell
Laptops:Optical Drive=Yes,No
Laptops:Processor=Intel Core i3,Intel Core i5,Intel Core i7
TVs:Brand=Samsung,Sony
TVs:Screen Size=32,40,55
`

func newVectorizer(t *testing.T, vocabText string, tbl *weights.Table) (*vectorize.Vectorizer, *encoder.Encoder) {
	t.Helper()
	v, err := vocabulary.Parse(strings.NewReader(vocabText))
	require.NoError(t, err)
	if tbl == nil {
		tbl = weights.New(nil)
	}
	enc := encoder.New(1000)
	vz, err := vectorize.New(v, enc, tbl, vectorize.Options{Probes: 2}, nil)
	require.NoError(t, err)
	return vz, enc
}

func laptop() *product.Product {
	return &product.Product{
		SKU:          "123",
		ModelNumber:  "PAV-15",
		Brand:        "hp",
		CategoryPath: []string{"Computers", "Laptops", "Ultrabooks"},
		Price:        product.Price(49),
		Details: []product.Detail{
			{Name: "Optical Drive", Value: "NO"},
			{Name: "Processor", Value: "Intel 3rd Generation Core i3"},
			{Name: "Color", Value: "Silver"},
		},
		LongDescription: "<p>A <b>lightweight</b> laptop with a brilliant display. Lightweight!</p>",
	}
}

func TestVectorizeProduct(t *testing.T) {
	vz, enc := newVectorizer(t, vocab, nil)

	v, err := vz.VectorizeProduct(laptop())
	require.NoError(t, err)
	assert.Equal(t, "Laptops:PAV-15:HP", v.Name)
	assert.Equal(t, 1000, v.Dimension)

	// every encoded feature leaves its mark in its slots
	expect := []struct{ feature, value string }{
		{"Optical Drive", "No"},
		{"Processor", "Intel Core i3"},
		{vectorize.FeaturePrice, "37.50"},
		{vectorize.FeatureBrand, "HP"},
		{vectorize.FeatureCategory, "Laptops"},
		{vectorize.FeatureBrandPrice, "HP:37.50"},
		{vectorize.FeatureText, "lightweight"},
		{vectorize.FeatureText, "brilliant"},
		{vectorize.FeatureText, "display"},
	}
	for _, e := range expect {
		for _, s := range enc.Slots(e.feature, e.value, 2) {
			assert.Greater(t, v.Get(s), 0.0, "%s=%s", e.feature, e.value)
		}
	}
}

func TestVectorizeProductTotalWeight(t *testing.T) {
	vz, _ := newVectorizer(t, vocab, weights.New(map[string]float64{"Processor": 10}))

	p := laptop()
	p.LongDescription = "lightweight"
	v, err := vz.VectorizeProduct(p)
	require.NoError(t, err)

	var total float64
	for _, w := range v.Entries {
		total += w
	}
	// drive 2 + processor 10 + price 4 + brand 4 + category 3 + brandprice 6 + 1 token
	assert.InDelta(t, 30.0, total, 1e-9)
}

func TestVectorizeProductSkips(t *testing.T) {
	vz, _ := newVectorizer(t, vocab, nil)

	tests := []struct {
		name   string
		mutate func(p *product.Product)
		reason error
	}{
		{"missing model", func(p *product.Product) { p.ModelNumber = " " }, vectorize.ErrMissingModel},
		{"unknown brand", func(p *product.Product) { p.Brand = "Acme" }, vectorize.ErrInvalidBrand},
		{"accessories", func(p *product.Product) { p.CategoryPath = []string{"Laptop Accessories"} }, vectorize.ErrAccessoryCategory},
		{"unknown category", func(p *product.Product) { p.CategoryPath = []string{"Kitchen"} }, vectorize.ErrUnknownCategory},
		{"missing price", func(p *product.Product) { p.Price = nil }, vectorize.ErrMissingPrice},
		{"zero price", func(p *product.Product) { p.Price = product.Price(0) }, vectorize.ErrMissingPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := laptop()
			tt.mutate(p)
			v, err := vz.VectorizeProduct(p)
			assert.Nil(t, v)
			assert.ErrorIs(t, err, tt.reason)
			assert.True(t, vectorize.IsSkip(err))
		})
	}
}

func TestVectorizeProductEmptyBrandVocabularyDegradesOpen(t *testing.T) {
	vz, _ := newVectorizer(t, "Laptops:Optical Drive=Yes,No\n", nil)

	p := laptop()
	p.Brand = "Acme"
	v, err := vz.VectorizeProduct(p)
	require.NoError(t, err)
	assert.Equal(t, "Laptops:PAV-15:Acme", v.Name)
}

func TestVectorizeQuery(t *testing.T) {
	vz, enc := newVectorizer(t, vocab, nil)

	q, err := vz.VectorizeQuery(map[string]string{
		"category":      "Laptops",
		"brand":         "hp",
		"price":         "45",
		"Optical Drive": "no",
	})
	require.NoError(t, err)
	assert.Equal(t, "query:Laptops", q.Name)
	assert.Equal(t, "Laptops", vectorize.CategoryOfQuery(q))

	for _, e := range []struct{ feature, value string }{
		{vectorize.FeatureBrand, "HP"},
		{vectorize.FeaturePrice, "37.50"},
		{vectorize.FeatureBrandPrice, "HP:37.50"},
		{"Optical Drive", "No"},
		// values concatenated in key order: "Optical Drive", brand, category, price
		{vectorize.FeatureText, "no hp Laptops 45"},
	} {
		for _, s := range enc.Slots(e.feature, e.value, 2) {
			assert.Greater(t, q.Get(s), 0.0, "%s=%s", e.feature, e.value)
		}
	}
}

func TestVectorizeQueryRequiresCategory(t *testing.T) {
	vz, _ := newVectorizer(t, vocab, nil)

	_, err := vz.VectorizeQuery(map[string]string{"brand": "HP"})
	assert.ErrorIs(t, err, vectorize.ErrMissingCategory)

	_, err = vz.VectorizeQuery(map[string]string{"category": "Kitchen"})
	assert.ErrorIs(t, err, vectorize.ErrUnknownCategory)
}

func TestQueryIsClosestToMatchingProduct(t *testing.T) {
	vz, _ := newVectorizer(t, vocab, nil)

	hp, err := vz.VectorizeProduct(laptop())
	require.NoError(t, err)

	other := laptop()
	other.ModelNumber = "MBP-13"
	other.Brand = "Apple"
	other.Price = product.Price(1299)
	other.Details = []product.Detail{{Name: "Processor", Value: "Intel Core i7"}}
	apple, err := vz.VectorizeProduct(other)
	require.NoError(t, err)

	q, err := vz.VectorizeQuery(map[string]string{
		"category":  "Laptops",
		"brand":     "HP",
		"price":     "40",
		"Processor": "Core i3",
	})
	require.NoError(t, err)

	assert.Less(t, vector.CosineDistance(q, hp), vector.CosineDistance(q, apple))
}

func TestNewRequiresWeights(t *testing.T) {
	v, err := vocabulary.Parse(strings.NewReader(vocab))
	require.NoError(t, err)
	_, err = vectorize.New(v, nil, nil, vectorize.Options{}, nil)
	assert.ErrorIs(t, err, weights.ErrNoWeightTable)
}
