package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanStdDevMinMax(t *testing.T) {
	data := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	assert.InDelta(t, 5.0, Mean(data), 1e-9)
	// Sample standard deviation
	assert.InDelta(t, 2.138, StdDev(data), 1e-3)
	lo, hi := MinMax(data)
	assert.Equal(t, 2.0, lo)
	assert.Equal(t, 9.0, hi)

	assert.Zero(t, Mean(nil))
	assert.Zero(t, StdDev([]float64{1}))
	lo, hi = MinMax(nil)
	assert.Zero(t, lo)
	assert.Zero(t, hi)
}

func TestLastSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}

	sma := LastSMA(closes, 3)
	require.NotNil(t, sma)
	assert.InDelta(t, 4.0, *sma, 1e-9)

	assert.Nil(t, LastSMA(closes, 6))
}

func TestLastRSI(t *testing.T) {
	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = float64(100 + i)
	}

	rsi := LastRSI(rising, 14)
	require.NotNil(t, rsi)
	assert.InDelta(t, 100.0, *rsi, 1e-6)

	assert.Nil(t, LastRSI(rising[:14], 14))
}

func TestMaxDrawdown(t *testing.T) {
	dd := MaxDrawdown([]float64{100, 120, 90, 130, 117})
	require.NotNil(t, dd)
	assert.InDelta(t, 0.25, *dd, 1e-9)

	flat := MaxDrawdown([]float64{1, 2, 3})
	require.NotNil(t, flat)
	assert.Zero(t, *flat)

	assert.Nil(t, MaxDrawdown([]float64{1}))
}

func TestReturnsAndSharpe(t *testing.T) {
	assert.Equal(t, []float64{0.5, -0.5}, Returns([]float64{100, 150, 75}))
	assert.Equal(t, []float64{0}, Returns([]float64{0, 10}))
	assert.Empty(t, Returns([]float64{1}))

	assert.Nil(t, SharpeRatio([]float64{0.01, 0.01, 0.01}, 252))
	assert.Nil(t, SharpeRatio([]float64{0.01}, 252))

	s := SharpeRatio([]float64{0.01, 0.02, 0.00, 0.03}, 252)
	require.NotNil(t, s)
	assert.Positive(t, *s)
}
