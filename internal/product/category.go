package product

import "strings"

// Fixed product categories. Every vector and every corpus partition belongs
// to exactly one of these.
const (
	CategoryTVs          = "TVs"
	CategoryLaptops      = "Laptops"
	CategoryTablets      = "Tablets"
	CategoryMobilePhones = "Mobile Phones"
	CategoryPrinters     = "Printers"
)

// Categories is the fixed category enumeration in partition order.
var Categories = []string{
	CategoryTVs,
	CategoryLaptops,
	CategoryTablets,
	CategoryMobilePhones,
	CategoryPrinters,
}

// laptopFamily lists sub-category markers folded into Laptops.
var laptopFamily = []string{"laptop", "ultrabook", "netbook", "notebook", "chromebook"}

var categoryAliases = map[string]string{
	"tvs":                 CategoryTVs,
	"tv":                  CategoryTVs,
	"televisions":         CategoryTVs,
	"laptops":             CategoryLaptops,
	"tablets":             CategoryTablets,
	"ipad & tablets":      CategoryTablets,
	"mobile phones":       CategoryMobilePhones,
	"cell phones":         CategoryMobilePhones,
	"smartphones":         CategoryMobilePhones,
	"printers":            CategoryPrinters,
	"printers & scanners": CategoryPrinters,
	"all-in-one printers": CategoryPrinters,
}

// IsCategory reports whether name is one of the fixed categories (exact match).
func IsCategory(name string) bool {
	for _, c := range Categories {
		if c == name {
			return true
		}
	}
	return false
}

// ResolveCategory maps a retailer category path onto the fixed enumeration.
// The most specific segment that resolves wins. Paths containing an
// "Accessories" segment are rejected with accessory=true.
func ResolveCategory(path []string) (category string, accessory bool) {
	for _, seg := range path {
		if strings.Contains(strings.ToLower(seg), "accessories") {
			return "", true
		}
	}
	for i := len(path) - 1; i >= 0; i-- {
		if c, ok := resolveSegment(path[i]); ok {
			return c, false
		}
	}
	return "", false
}

func resolveSegment(seg string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(seg))
	if s == "" {
		return "", false
	}
	if c, ok := categoryAliases[s]; ok {
		return c, true
	}
	for _, marker := range laptopFamily {
		if strings.Contains(s, marker) {
			return CategoryLaptops, true
		}
	}
	return "", false
}

// SplitPath splits a "A > B > C" or "A/B/C" category string into segments.
func SplitPath(s string) []string {
	sep := ">"
	if !strings.Contains(s, sep) {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
