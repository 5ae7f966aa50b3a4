package bucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveThresholds(t *testing.T) {
	samples := []RateSample{
		{Rate: 0, Samples: 1000, Positives: 0},
		{Rate: 0.01, Samples: 100, Positives: 60},
		{Rate: 0.02, Samples: 100, Positives: 60},
		{Rate: 0.03, Samples: 10, Positives: 500},
		{Rate: 0.04, Samples: 400, Positives: 200},
		{Rate: 0.05, Samples: 10, Positives: 10},
	}
	// total = 1620; 5% share needs 81 samples.
	got := DeriveThresholds(samples, 0.05, 100)
	assert.Equal(t, []float64{0, 0.02, 0.04}, got)
	require.NoError(t, ValidateThresholds(got))
}

func TestDeriveThresholdsMergesEqualRatesAndRounds(t *testing.T) {
	samples := []RateSample{
		{Rate: 0.1234564, Samples: 50, Positives: 50},
		{Rate: 0.1234564, Samples: 50, Positives: 50},
		{Rate: 0.1234566, Samples: 100, Positives: 100},
	}
	got := DeriveThresholds(samples, 0.1, 100)
	assert.Equal(t, []float64{0, 0.123456, 0.123457}, got)
}

func TestDeriveThresholdsEmpty(t *testing.T) {
	assert.Equal(t, []float64{0}, DeriveThresholds(nil, 0.005, 100))
}
