package formulas

import "math"

// Returns converts a value series to periodic returns.
// Returns[i] = (v[i+1] - v[i]) / v[i]; periods starting at zero count as 0.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return []float64{}
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] != 0 {
			out[i-1] = (values[i] - values[i-1]) / values[i-1]
		}
	}
	return out
}

// MaxDrawdown is the largest peak-to-trough decline as a positive fraction
// (0.25 = 25% below peak), or nil for fewer than two values.
func MaxDrawdown(values []float64) *float64 {
	if len(values) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := values[0]
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}
	return &maxDrawdown
}

// SharpeRatio is the mean periodic return over its standard deviation,
// scaled by sqrt(periodsPerYear). It is nil when returns are flat or too few.
func SharpeRatio(returns []float64, periodsPerYear int) *float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return nil
	}
	sd := StdDev(returns)
	if sd == 0 || math.IsNaN(sd) {
		return nil
	}
	sharpe := Mean(returns) / sd * math.Sqrt(float64(periodsPerYear))
	return &sharpe
}
