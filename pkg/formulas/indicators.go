// Package formulas holds the numeric helpers used for dataset and result
// summaries.
package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// MinMax returns the smallest and largest value. Both are zero for an empty series.
func MinMax(data []float64) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}
	return floats.Min(data), floats.Max(data)
}

// LastSMA returns the latest simple moving average over length periods, or
// nil if the series is shorter than length.
func LastSMA(closes []float64, length int) *float64 {
	if length < 2 || len(closes) < length {
		return nil
	}
	return last(talib.Sma(closes, length))
}

// LastRSI returns the latest Relative Strength Index, or nil if there is
// insufficient data.
//
//	RSI = 100 - 100 / (1 + RS), RS = average gain / average loss over length periods
func LastRSI(closes []float64, length int) *float64 {
	if length < 2 || len(closes) < length+1 {
		return nil
	}
	return last(talib.Rsi(closes, length))
}

func last(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
