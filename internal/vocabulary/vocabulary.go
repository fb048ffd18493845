package vocabulary

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// DefaultFileName is used when no vocabulary path is configured.
const DefaultFileName = "attributes.properties"

// BrandAttribute is the attribute name holding the canonical brand list.
const BrandAttribute = "Brand"

// ErrMalformedLine is returned for lines that are not "{category}:{name}=opt,opt,..."
var ErrMalformedLine = errors.New("malformed vocabulary line")

var numericOption = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

// CanonicalAttribute is one attribute of a category together with its
// allowed option strings in registration order.
type CanonicalAttribute struct {
	Category string
	Name     string
	Options  []string
}

// IsBoolean reports whether the attribute has exactly the options yes/no.
func (a *CanonicalAttribute) IsBoolean() bool {
	if len(a.Options) != 2 {
		return false
	}
	first := strings.ToLower(a.Options[0])
	second := strings.ToLower(a.Options[1])
	return (first == "yes" && second == "no") || (first == "no" && second == "yes")
}

// IsNumeric reports whether every option is a signed decimal.
func (a *CanonicalAttribute) IsNumeric() bool {
	if len(a.Options) == 0 {
		return false
	}
	for _, opt := range a.Options {
		if !numericOption.MatchString(opt) {
			return false
		}
	}
	return true
}

// IsSingleWord reports whether no option contains whitespace.
func (a *CanonicalAttribute) IsSingleWord() bool {
	if len(a.Options) == 0 {
		return false
	}
	for _, opt := range a.Options {
		if strings.ContainsAny(opt, " \t") {
			return false
		}
	}
	return true
}

// Vocabulary is the canonical attribute table. It is immutable once loaded.
type Vocabulary struct {
	source     string
	attributes map[string]*CanonicalAttribute // lower(category:name) -> attribute
	byCategory map[string][]*CanonicalAttribute
	brands     map[string]string // lower(brand) -> canonical brand
}

// Load reads the vocabulary file at path. An empty or missing path falls
// back to DefaultFileName in the working directory.
func Load(path string) (*Vocabulary, error) {
	if path == "" {
		path = DefaultFileName
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) && path != DefaultFileName {
		fallback, ferr := os.Open(DefaultFileName)
		if ferr != nil {
			return nil, fmt.Errorf("open vocabulary %s: %w", path, err)
		}
		f, err, path = fallback, nil, DefaultFileName
	}
	if err != nil {
		return nil, fmt.Errorf("open vocabulary %s: %w", path, err)
	}
	defer f.Close()

	v, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary %s: %w", path, err)
	}
	v.source = path
	return v, nil
}

// Parse reads vocabulary lines from r.
func Parse(r io.Reader) (*Vocabulary, error) {
	v := &Vocabulary{
		attributes: make(map[string]*CanonicalAttribute),
		byCategory: make(map[string][]*CanonicalAttribute),
		brands:     make(map[string]string),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: %w: missing '='", lineNo, ErrMalformedLine)
		}
		category, name, ok := strings.Cut(strings.TrimSpace(key), ":")
		category = strings.TrimSpace(category)
		name = strings.TrimSpace(name)
		if !ok || category == "" || name == "" {
			return nil, fmt.Errorf("line %d: %w: key %q is not category:attribute", lineNo, ErrMalformedLine, key)
		}

		v.add(category, name, splitOptions(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return v, nil
}

func splitOptions(value string) []string {
	parts := strings.Split(value, ",")
	options := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			options = append(options, p)
		}
	}
	return options
}

func (v *Vocabulary) add(category, name string, options []string) {
	k := key(category, name)
	if existing, ok := v.attributes[k]; ok {
		// later lines for the same key replace the option list
		existing.Options = options
	} else {
		attr := &CanonicalAttribute{Category: category, Name: name, Options: options}
		v.attributes[k] = attr
		ck := strings.ToLower(category)
		v.byCategory[ck] = append(v.byCategory[ck], attr)
	}

	if strings.EqualFold(name, BrandAttribute) {
		for _, b := range options {
			lb := strings.ToLower(b)
			if _, seen := v.brands[lb]; !seen {
				v.brands[lb] = b
			}
		}
	}
}

func key(category, name string) string {
	return strings.ToLower(category) + ":" + strings.ToLower(name)
}

// Source returns the file the vocabulary was loaded from.
func (v *Vocabulary) Source() string {
	return v.source
}

// Attribute looks up a canonical attribute. Names compare case-insensitively.
func (v *Vocabulary) Attribute(category, name string) (*CanonicalAttribute, bool) {
	if v == nil {
		return nil, false
	}
	attr, ok := v.attributes[key(category, name)]
	return attr, ok
}

// Has reports whether the attribute is known for the category.
func (v *Vocabulary) Has(category, name string) bool {
	_, ok := v.Attribute(category, name)
	return ok
}

// Attributes returns the attributes registered for category in file order.
func (v *Vocabulary) Attributes(category string) []*CanonicalAttribute {
	if v == nil {
		return nil
	}
	return v.byCategory[strings.ToLower(category)]
}

// Categories returns every category that has at least one attribute, sorted.
func (v *Vocabulary) Categories() []string {
	if v == nil {
		return nil
	}
	out := make([]string, 0, len(v.byCategory))
	for _, attrs := range v.byCategory {
		out = append(out, attrs[0].Category)
	}
	sort.Strings(out)
	return out
}

// Brands returns the union of every category's Brand options, sorted.
func (v *Vocabulary) Brands() []string {
	if v == nil {
		return nil
	}
	out := make([]string, 0, len(v.brands))
	for _, b := range v.brands {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// CanonicalBrand returns the canonical casing of brand, if known.
func (v *Vocabulary) CanonicalBrand(brand string) (string, bool) {
	if v == nil {
		return "", false
	}
	b, ok := v.brands[strings.ToLower(strings.TrimSpace(brand))]
	return b, ok
}

// HasBrands reports whether any brand list was loaded.
func (v *Vocabulary) HasBrands() bool {
	return v != nil && len(v.brands) > 0
}

// Len returns the number of attributes.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.attributes)
}
