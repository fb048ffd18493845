package product

import "strings"

// Detail is one raw retailer attribute pair.
type Detail struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Product is a normalized retailer product record as handed to vectorization.
type Product struct {
	SKU             string   `json:"sku"`
	ModelNumber     string   `json:"modelNumber"`
	Name            string   `json:"name,omitempty"`
	Brand           string   `json:"brand"`
	CategoryPath    []string `json:"categoryPath"`
	Price           *float64 `json:"price,omitempty"`
	LongDescription string   `json:"longDescription,omitempty"`
	Details         []Detail `json:"details,omitempty"`
	Retailer        string   `json:"retailer,omitempty"`
	URL             string   `json:"url,omitempty"`
}

// Detail returns the value of the first detail named name (case-insensitive).
func (p *Product) Detail(name string) (string, bool) {
	for _, d := range p.Details {
		if strings.EqualFold(d.Name, name) {
			return d.Value, true
		}
	}
	return "", false
}

// Page is one page of a retailer product listing. A page is also the unit
// stored on disk and vectorized by one batch worker.
type Page struct {
	Category   string    `json:"category"`
	Page       int       `json:"page"`
	TotalPages int       `json:"totalPages"`
	Products   []Product `json:"products"`
}

// Price returns a pointer to p, for building records.
func Price(p float64) *float64 {
	return &p
}
