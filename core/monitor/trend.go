package monitor

import (
	"math"
	"time"
)

// Metric names a series tracked in the monitor history.
type Metric string

const (
	MetricUtilization    Metric = "utilization"
	MetricErrorRate      Metric = "error_rate"
	MetricThroughput     Metric = "throughput"
	MetricAvgWait        Metric = "avg_wait_seconds"
	MetricAvgProcessing  Metric = "avg_processing_seconds"
	MetricPending        Metric = "pending"
	MetricInFlight       Metric = "in_flight"
	MetricTotal          Metric = "total"
	MetricDedupHits      Metric = "dedup_hits"
	MetricBatchesCreated Metric = "batches_created"
)

// Direction classifies a trend.
type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
	DirectionStable     Direction = "stable"
)

// Trend is a least-squares fit of a metric over the sample history.
// Slope is expressed in metric units per second.
type Trend struct {
	Metric    Metric        `json:"metric"`
	Slope     float64       `json:"slope"`
	Intercept float64       `json:"intercept"`
	R2        float64       `json:"r2"`
	Direction Direction     `json:"direction"`
	Samples   int           `json:"samples"`
	Span      time.Duration `json:"span"`
	Latest    float64       `json:"latest"`
}

// Value extracts metric from s.
func (s Sample) Value(metric Metric) (float64, bool) {
	m := s.Metrics
	switch metric {
	case MetricUtilization:
		return m.Utilization, true
	case MetricErrorRate:
		return m.ErrorRate, true
	case MetricThroughput:
		return m.Throughput, true
	case MetricAvgWait:
		return m.AvgWaitTime.Seconds(), true
	case MetricAvgProcessing:
		return m.AvgProcessingTime.Seconds(), true
	case MetricPending:
		return float64(m.Pending), true
	case MetricInFlight:
		return float64(m.InFlight), true
	case MetricTotal:
		return float64(m.Total), true
	case MetricDedupHits:
		return float64(m.DedupHits), true
	case MetricBatchesCreated:
		return float64(m.Batches.Created), true
	}
	return 0, false
}

// fitTrend runs linear regression of metric against seconds since the first sample.
func fitTrend(metric Metric, samples []Sample, stableSlope, minR2 float64) Trend {
	t := Trend{Metric: metric, Samples: len(samples), Direction: DirectionStable}
	if len(samples) == 0 {
		return t
	}

	origin := samples[0].At
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.At.Sub(origin).Seconds()
		ys[i], _ = s.Value(metric)
	}
	t.Latest = ys[len(ys)-1]
	t.Span = samples[len(samples)-1].At.Sub(origin)

	t.Slope, t.Intercept, t.R2 = linearRegression(xs, ys)
	if t.R2 >= minR2 {
		switch {
		case t.Slope > stableSlope:
			t.Direction = DirectionIncreasing
		case t.Slope < -stableSlope:
			t.Direction = DirectionDecreasing
		}
	}
	return t
}

func linearRegression(x, y []float64) (slope, intercept, r2 float64) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, 0, 0
	}

	n := float64(len(x))
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var sumXY, sumXX float64
	for i := range x {
		dx := x[i] - meanX
		sumXY += dx * (y[i] - meanY)
		sumXX += dx * dx
	}
	if sumXX == 0 {
		return 0, meanY, 0
	}

	slope = sumXY / sumXX
	intercept = meanY - slope*meanX

	var ssRes, ssTot float64
	for i := range y {
		predicted := slope*x[i] + intercept
		ssRes += math.Pow(y[i]-predicted, 2)
		ssTot += math.Pow(y[i]-meanY, 2)
	}
	if ssTot == 0 {
		return slope, intercept, 1
	}
	return slope, intercept, 1 - ssRes/ssTot
}
