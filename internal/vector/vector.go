package vector

import (
	"math"
	"sort"
	"strings"
)

// DefaultDimension is the fixed cardinality of every product and query vector.
const DefaultDimension = 1000

// NameSeparator separates the segments of a vector name (category:model:brand).
const NameSeparator = ":"

// NamedVector is a fixed-dimension sparse vector with an identifier.
type NamedVector struct {
	Name      string
	Dimension int
	Entries   map[int]float64
}

// New creates an empty named vector.
func New(name string, dimension int) *NamedVector {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &NamedVector{
		Name:      name,
		Dimension: dimension,
		Entries:   make(map[int]float64),
	}
}

// Add accumulates w into slot. Out-of-range slots are ignored.
func (v *NamedVector) Add(slot int, w float64) {
	if slot < 0 || slot >= v.Dimension {
		return
	}
	if v.Entries == nil {
		v.Entries = make(map[int]float64)
	}
	v.Entries[slot] += w
}

// Get returns the weight at slot.
func (v *NamedVector) Get(slot int) float64 {
	return v.Entries[slot]
}

// NonZero returns the number of slots holding a non-zero weight.
func (v *NamedVector) NonZero() int {
	n := 0
	for _, w := range v.Entries {
		if w != 0 {
			n++
		}
	}
	return n
}

// Indices returns the populated slots in ascending order.
func (v *NamedVector) Indices() []int {
	idx := make([]int, 0, len(v.Entries))
	for i := range v.Entries {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Norm returns the L2 norm.
func (v *NamedVector) Norm() float64 {
	var sum float64
	for _, w := range v.Entries {
		sum += w * w
	}
	return math.Sqrt(sum)
}

// Dot returns the dot product with other.
func (v *NamedVector) Dot(other *NamedVector) float64 {
	a, b := v.Entries, other.Entries
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for i, w := range a {
		dot += w * b[i]
	}
	return dot
}

// Clone returns a deep copy.
func (v *NamedVector) Clone() *NamedVector {
	c := New(v.Name, v.Dimension)
	for i, w := range v.Entries {
		c.Entries[i] = w
	}
	return c
}

// Category returns the first segment of the vector name.
func (v *NamedVector) Category() string {
	return CategoryOf(v.Name)
}

// CategoryOf returns the first NameSeparator segment of name.
func CategoryOf(name string) string {
	category, _, _ := strings.Cut(name, NameSeparator)
	return category
}

// ModelOf returns the model number segment of a product vector name.
func ModelOf(name string) string {
	parts := strings.SplitN(name, NameSeparator, 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// A zero vector on either side has similarity 0.
func CosineSimilarity(a, b *NamedVector) float64 {
	normA, normB := a.Norm(), b.Norm()
	if normA == 0 || normB == 0 {
		return 0
	}
	return a.Dot(b) / (normA * normB)
}

// CosineDistance is 1 minus the cosine similarity, in [0, 2].
func CosineDistance(a, b *NamedVector) float64 {
	d := 1 - CosineSimilarity(a, b)
	// clamp rounding noise around identical vectors
	if d < 0 {
		return 0
	}
	return d
}
