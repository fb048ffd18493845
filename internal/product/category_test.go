package product_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/productmatch/backend/internal/product"
)

func TestResolveCategory(t *testing.T) {
	tests := []struct {
		name      string
		path      []string
		expected  string
		accessory bool
	}{
		{"exact", []string{"Electronics", "TVs"}, product.CategoryTVs, false},
		{"alias", []string{"Electronics", "Cell Phones"}, product.CategoryMobilePhones, false},
		{"ultrabooks fold into laptops", []string{"Computers", "Laptops", "Ultrabooks"}, product.CategoryLaptops, false},
		{"netbooks fold into laptops", []string{"Computers", "Netbooks"}, product.CategoryLaptops, false},
		{"most specific wins", []string{"Tablets", "Chromebooks"}, product.CategoryLaptops, false},
		{"accessories rejected", []string{"Computers", "Laptop Accessories"}, "", true},
		{"accessories anywhere", []string{"TV Accessories", "TVs"}, "", true},
		{"unknown", []string{"Home", "Kitchen"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, accessory := product.ResolveCategory(tt.path)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.accessory, accessory)
		})
	}
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"Computers", "Laptops"}, product.SplitPath("Computers > Laptops"))
	assert.Equal(t, []string{"Computers", "Laptops"}, product.SplitPath("Computers/Laptops/"))
	assert.Equal(t, []string{"TVs"}, product.SplitPath(" TVs "))
}

func TestIsCategory(t *testing.T) {
	for _, c := range product.Categories {
		assert.True(t, product.IsCategory(c))
	}
	assert.False(t, product.IsCategory("laptops"))
}

func TestProductDetail(t *testing.T) {
	p := product.Product{Details: []product.Detail{{Name: "RAM", Value: "8"}}}
	v, ok := p.Detail("ram")
	assert.True(t, ok)
	assert.Equal(t, "8", v)
	_, ok = p.Detail("CPU")
	assert.False(t, ok)
}
