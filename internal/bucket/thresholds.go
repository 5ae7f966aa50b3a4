package bucket

import (
	"math"
	"sort"
)

// Defaults used by the upstream threshold derivation job.
const (
	DefaultMinSampleProportion       = 0.005
	DefaultMinPositives        int64 = 100
)

// RateSample is one row of the rate histogram used to derive a threshold table:
// the observed rate value, the number of samples carrying it and how many of
// those were positive.
type RateSample struct {
	Rate      float64 `json:"rate"`
	Samples   int64   `json:"samples"`
	Positives int64   `json:"positives"`
}

// DeriveThresholds walks distinct positive rates in ascending order and closes a
// bucket each time the accumulated sample share reaches minSampleProportion and
// the accumulated positives reach minPositives. The table always starts at 0.
// Cut points are rounded to 6 decimals.
func DeriveThresholds(samples []RateSample, minSampleProportion float64, minPositives int64) []float64 {
	thresholds := []float64{0}

	var total int64
	for _, s := range samples {
		total += s.Samples
	}
	if total <= 0 {
		return thresholds
	}

	type group struct {
		samples   int64
		positives int64
	}
	groups := make(map[float64]*group)
	for _, s := range samples {
		if !(s.Rate > 0) || math.IsInf(s.Rate, 0) {
			continue
		}
		g, ok := groups[s.Rate]
		if !ok {
			g = &group{}
			groups[s.Rate] = g
		}
		g.samples += s.Samples
		g.positives += s.Positives
	}
	rates := make([]float64, 0, len(groups))
	for r := range groups {
		rates = append(rates, r)
	}
	sort.Float64s(rates)

	var proportion float64
	var positives int64
	for _, r := range rates {
		g := groups[r]
		proportion += float64(g.samples) / float64(total)
		positives += g.positives
		if proportion >= minSampleProportion && positives >= minPositives {
			cut := math.Round(r*1e6) / 1e6
			if cut > thresholds[len(thresholds)-1] {
				thresholds = append(thresholds, cut)
			}
			proportion = 0
			positives = 0
		}
	}
	return thresholds
}
