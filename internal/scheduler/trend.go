package scheduler

import (
	"math"

	"carbonrecycling-backend/internal/alerts"
	"carbonrecycling-backend/internal/metricsource"
)

const trendMinSamples = 3

// relative daily change below this is reported as stable
const stableSlopeRatio = 0.005

// AnalyzeTrend fits a line through the window's samples and reports
// direction, rate per day and fit quality. Returns nil when the
// series is too short to say anything.
func AnalyzeTrend(samples []metricsource.Sample) *alerts.TrendAnalysis {
	if len(samples) < trendMinSamples {
		return nil
	}
	// samples arrive newest first; regress oldest to newest
	n := len(samples)
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	origin := samples[n-1].Timestamp
	for i := n - 1; i >= 0; i-- {
		xs = append(xs, samples[i].Timestamp.Sub(origin).Hours())
		ys = append(ys, samples[i].Value)
	}
	slope, _, r2, ok := LinearRegression(xs, ys)
	if !ok {
		return nil
	}
	ratePerDay := slope * 24
	direction := "stable"
	mean := Mean(ys)
	scale := math.Abs(mean)
	if scale == 0 {
		scale = 1
	}
	switch {
	case ratePerDay/scale > stableSlopeRatio:
		direction = "rising"
	case ratePerDay/scale < -stableSlopeRatio:
		direction = "falling"
	}
	return &alerts.TrendAnalysis{
		Direction:  direction,
		Rate:       ratePerDay,
		Confidence: r2,
	}
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func LinearRegression(xVals []float64, yVals []float64) (slope float64, intercept float64, r2 float64, ok bool) {
	if len(xVals) != len(yVals) || len(xVals) < 2 {
		return 0, 0, 0, false
	}
	n := float64(len(xVals))
	sumX := 0.0
	sumY := 0.0
	sumXY := 0.0
	sumX2 := 0.0
	for i := range xVals {
		sumX += xVals[i]
		sumY += yVals[i]
		sumXY += xVals[i] * yVals[i]
		sumX2 += xVals[i] * xVals[i]
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	meanY := sumY / n
	ssTot := 0.0
	ssRes := 0.0
	for i := range xVals {
		est := slope*xVals[i] + intercept
		diff := yVals[i] - meanY
		ssTot += diff * diff
		res := yVals[i] - est
		ssRes += res * res
	}
	if ssTot == 0 {
		return slope, intercept, 1, true
	}
	r2 = 1 - ssRes/ssTot
	return slope, intercept, r2, true
}
