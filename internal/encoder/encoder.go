// Package encoder implements the feature hashing primitive shared by product
// and query vectorization.
//
// A (feature, value) token is hashed by `probes` independent hash functions
// into slots of a fixed-size vector; each slot receives weight/probes. The
// hash is xxHash64 over the feature name, the value and the probe index, so
// slot assignments are stable across processes and machines: product
// vectors written by one refresh stay comparable with query vectors built
// later.
package encoder

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/productmatch/backend/internal/vector"
)

// DefaultProbes spreads each token over two slots.
const DefaultProbes = 2

// Encoder hashes features into vectors of a fixed dimension.
type Encoder struct {
	dimension int
}

// New creates an encoder. Non-positive dimensions use vector.DefaultDimension.
func New(dimension int) *Encoder {
	if dimension <= 0 {
		dimension = vector.DefaultDimension
	}
	return &Encoder{dimension: dimension}
}

// Dimension returns the size of the vectors this encoder writes into.
func (e *Encoder) Dimension() int {
	return e.dimension
}

// NewVector returns an empty vector sized for this encoder.
func (e *Encoder) NewVector(name string) *vector.NamedVector {
	return vector.New(name, e.dimension)
}

// Encode adds weight/probes to each of the probes slots of (featureName, value).
// Contributions accumulate; slots shared with other features are summed.
func (e *Encoder) Encode(featureName, value string, weight float64, probes int, v *vector.NamedVector) {
	if probes <= 0 {
		probes = 1
	}
	share := weight / float64(probes)
	for _, slot := range e.Slots(featureName, value, probes) {
		v.Add(slot, share)
	}
}

// EncodeNumeric hashes an already bucketed numeric value like a categorical token.
func (e *Encoder) EncodeNumeric(featureName string, value float64, weight float64, probes int, v *vector.NamedVector) {
	e.Encode(featureName, FormatNumber(value), weight, probes, v)
}

// Slots returns the slot index chosen by each probe for (featureName, value).
func (e *Encoder) Slots(featureName, value string, probes int) []int {
	if probes <= 0 {
		probes = 1
	}
	slots := make([]int, probes)
	for i := 0; i < probes; i++ {
		slots[i] = int(hash(featureName, value, i) % uint64(e.dimension))
	}
	return slots
}

func hash(featureName, value string, probe int) uint64 {
	d := xxhash.New()
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], xxhash.Sum64String(featureName))
	_, _ = d.Write(seed[:])
	_, _ = d.WriteString(featureName)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(value)
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(probe))
	_, _ = d.Write(p[:])
	return d.Sum64()
}

// FormatNumber renders a number the same way for products and queries.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
