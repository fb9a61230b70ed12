package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestStats(t *testing.T) {
	data := []float64{3, 1, 4, 1, 5}
	assert.Equal(t, 5.0, Max(data...))
	assert.Equal(t, 1.0, Min(data...))
	assert.Equal(t, 3.0, Median(data...))
	assert.Equal(t, 2.8, Avg(data...))
	assert.Equal(t, []float64{3, 1, 4, 1, 5}, data, "median must not reorder the input")

	assert.Equal(t, 2.5, Median(1, 2, 3, 4))

	for _, fn := range []func(...float64) float64{Max, Min, Median, Avg} {
		assert.Equal(t, -1.0, fn())
	}
}

func TestStatsBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Float64Range(0, 1e6), 1, 100).Draw(t, "data")
		min, max := Min(data...), Max(data...)
		for _, v := range []float64{Median(data...), Avg(data...)} {
			if v < min-1e-6 || v > max+1e-6 {
				t.Fatalf("%v outside [%v, %v]", v, min, max)
			}
		}
	})
}
