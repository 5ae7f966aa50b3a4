// Package bucket implements the deterministic numeric bucketizers shared by
// offline feature generation and online serving.
//
// Every function here is pure. Both code paths must call the same function with
// the same Params; see Bucketizer.
package bucket

import (
	"math"
	"sort"
)

// LogBucket returns min(maxBucket, floor(log_base(count*scale))) clamped to
// [0, maxBucket]. Non-positive counts map to 0.
func LogBucket(count int64, base float64, maxBucket int, scale float64) (int, error) {
	if err := validateLog(base, maxBucket, scale); err != nil {
		return 0, err
	}
	return logBucket(count, base, maxBucket, scale), nil
}

func logBucket(count int64, base float64, maxBucket int, scale float64) int {
	if count <= 0 {
		return 0
	}
	x := float64(count) * scale
	if x < 1 {
		return 0
	}
	b := int(math.Floor(math.Log(x) / math.Log(base)))
	// log(x)/log(base) can land just below an integer for exact powers
	// (log(1000)/log(10) = 2.9999999999999996); settle on the largest b with base^b <= x.
	if math.Pow(base, float64(b+1)) <= x {
		b++
	} else if b > 0 && math.Pow(base, float64(b)) > x {
		b--
	}
	if b < 0 {
		return 0
	}
	if b > maxBucket {
		return maxBucket
	}
	return b
}

func validateLog(base float64, maxBucket int, scale float64) error {
	if math.IsNaN(base) || math.IsInf(base, 0) || base <= 1 {
		return paramErr("base", "must be a finite number > 1, got %v", base)
	}
	if maxBucket < 0 {
		return paramErr("max_bucket", "must be >= 0, got %d", maxBucket)
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return paramErr("scale", "must be a finite number > 0, got %v", scale)
	}
	return nil
}

// TruncateBucket clamps count to [0, cap].
func TruncateBucket(count, cap int64) (int64, error) {
	if cap < 0 {
		return 0, paramErr("cap", "must be >= 0, got %d", cap)
	}
	return truncateBucket(count, cap), nil
}

func truncateBucket(count, cap int64) int64 {
	if count < 0 {
		return 0
	}
	if count > cap {
		return cap
	}
	return count
}

// SmoothedRate is (numerator + alpha) / (denominator + alpha + beta).
func SmoothedRate(numerator, denominator int64, alpha, beta float64) float64 {
	return (float64(numerator) + alpha) / (float64(denominator) + alpha + beta)
}

// ConversionRateBucket returns the index i with thresholds[i-1] <= r < thresholds[i]
// for the smoothed rate r: 0 below the first threshold, len(thresholds) at or above
// the last. A zero denominator has no observed exposure and maps to 0.
func ConversionRateBucket(numerator, denominator int64, thresholds []float64, alpha, beta float64) (int, error) {
	if err := ValidateThresholds(thresholds); err != nil {
		return 0, err
	}
	if err := validateSmoothing(alpha, beta); err != nil {
		return 0, err
	}
	return rateBucket(numerator, denominator, thresholds, alpha, beta), nil
}

func rateBucket(numerator, denominator int64, thresholds []float64, alpha, beta float64) int {
	if denominator <= 0 {
		return 0
	}
	r := SmoothedRate(numerator, denominator, alpha, beta)
	return sort.Search(len(thresholds), func(i int) bool { return thresholds[i] > r })
}

// ValidateThresholds requires a finite, strictly ascending table.
func ValidateThresholds(thresholds []float64) error {
	for i, t := range thresholds {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return paramErr("thresholds", "entry %d is not finite", i)
		}
		if i > 0 && t <= thresholds[i-1] {
			return paramErr("thresholds", "entry %d (%v) not strictly above entry %d (%v)", i, t, i-1, thresholds[i-1])
		}
	}
	return nil
}

func validateSmoothing(alpha, beta float64) error {
	if math.IsNaN(alpha) || math.IsInf(alpha, 0) || alpha < 0 {
		return paramErr("alpha", "must be a finite number >= 0, got %v", alpha)
	}
	if math.IsNaN(beta) || math.IsInf(beta, 0) || beta < 0 {
		return paramErr("beta", "must be a finite number >= 0, got %v", beta)
	}
	return nil
}
