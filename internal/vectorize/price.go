package vectorize

import "math"

// DefaultPriceBucketWidth is the width of a price bucket in currency units.
const DefaultPriceBucketWidth = 25.0

// Bucket is an upper-inclusive price range [Lower, Upper] whose lower edge
// sits one cent above the previous bucket's upper edge.
type Bucket struct {
	Lower    float64
	Upper    float64
	Midpoint float64
}

// PriceBucket places price into a fixed-width bucket. Prices are rounded to
// cents first; a price exactly on a multiple of width belongs to the bucket
// it closes, so with width 25 both 25.01 and 50.00 map to [25.01, 50.00]
// with midpoint 37.5. Non-positive prices return ok=false.
func PriceBucket(price, width float64) (Bucket, bool) {
	if width <= 0 {
		width = DefaultPriceBucketWidth
	}
	cents := int64(math.Round(price * 100))
	widthCents := int64(math.Round(width * 100))
	if cents <= 0 || widthCents <= 0 {
		return Bucket{}, false
	}

	k := (cents - 1) / widthCents
	lowerEdge := k * widthCents
	upperEdge := (k + 1) * widthCents
	return Bucket{
		Lower:    float64(lowerEdge+1) / 100,
		Upper:    float64(upperEdge) / 100,
		Midpoint: float64(lowerEdge+upperEdge) / 200,
	}, true
}
