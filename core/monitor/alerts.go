package monitor

import (
	"fmt"
	"time"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert rule names.
const (
	RuleUtilization    = "utilization"
	RuleErrorRate      = "error_rate"
	RuleWaitTime       = "wait_time"
	RuleProcessingTime = "processing_time"
	RuleThroughputDrop = "throughput_drop"
	RuleHealth         = "health"
)

// Alert is a condition raised by the monitor. It stays active until the
// condition clears on a later sample.
type Alert struct {
	Rule      string    `json:"rule"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

// AlertFunc is called when an alert is raised or escalated (resolved false)
// and when it clears (resolved true).
type AlertFunc func(alert Alert, resolved bool)

// Thresholds configures the built-in alert rules.
type Thresholds struct {
	UtilizationWarning  float64
	UtilizationCritical float64
	ErrorRateWarning    float64
	ErrorRateCritical   float64
	MaxWaitTime         time.Duration
	MaxProcessingTime   time.Duration
	// ThroughputDrop is the fraction below the baseline mean that raises an alert.
	ThroughputDrop float64
	// BaselineSamples is the minimum history used as throughput baseline.
	BaselineSamples int
}

// DefaultThresholds returns the stock alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UtilizationWarning:  0.8,
		UtilizationCritical: 0.95,
		ErrorRateWarning:    0.1,
		ErrorRateCritical:   0.25,
		MaxWaitTime:         30 * time.Second,
		MaxProcessingTime:   10 * time.Second,
		ThroughputDrop:      0.5,
		BaselineSamples:     5,
	}
}

// evaluate returns every alert that fires for current given the prior history.
func (th Thresholds) evaluate(current Sample, history []Sample) []Alert {
	var alerts []Alert
	m := current.Metrics
	raise := func(rule string, sev Severity, value, threshold float64, format string, args ...any) {
		alerts = append(alerts, Alert{
			Rule:      rule,
			Severity:  sev,
			Message:   fmt.Sprintf(format, args...),
			Value:     value,
			Threshold: threshold,
			RaisedAt:  current.At,
		})
	}

	switch {
	case m.Utilization > th.UtilizationCritical:
		raise(RuleUtilization, SeverityCritical, m.Utilization, th.UtilizationCritical,
			"queue utilization %.0f%% above %.0f%%", m.Utilization*100, th.UtilizationCritical*100)
	case m.Utilization > th.UtilizationWarning:
		raise(RuleUtilization, SeverityWarning, m.Utilization, th.UtilizationWarning,
			"queue utilization %.0f%% above %.0f%%", m.Utilization*100, th.UtilizationWarning*100)
	}

	switch {
	case m.ErrorRate > th.ErrorRateCritical:
		raise(RuleErrorRate, SeverityCritical, m.ErrorRate, th.ErrorRateCritical,
			"error rate %.1f%% above %.1f%%", m.ErrorRate*100, th.ErrorRateCritical*100)
	case m.ErrorRate > th.ErrorRateWarning:
		raise(RuleErrorRate, SeverityWarning, m.ErrorRate, th.ErrorRateWarning,
			"error rate %.1f%% above %.1f%%", m.ErrorRate*100, th.ErrorRateWarning*100)
	}

	if th.MaxWaitTime > 0 && m.AvgWaitTime > th.MaxWaitTime {
		raise(RuleWaitTime, SeverityWarning, m.AvgWaitTime.Seconds(), th.MaxWaitTime.Seconds(),
			"average wait time %s above %s", m.AvgWaitTime.Round(time.Millisecond), th.MaxWaitTime)
	}

	if th.MaxProcessingTime > 0 && m.AvgProcessingTime > th.MaxProcessingTime {
		raise(RuleProcessingTime, SeverityWarning, m.AvgProcessingTime.Seconds(), th.MaxProcessingTime.Seconds(),
			"average processing time %s above %s", m.AvgProcessingTime.Round(time.Millisecond), th.MaxProcessingTime)
	}

	if th.ThroughputDrop > 0 && len(history) >= th.BaselineSamples && th.BaselineSamples > 0 {
		var sum float64
		for _, s := range history {
			sum += s.Metrics.Throughput
		}
		baseline := sum / float64(len(history))
		floor := baseline * (1 - th.ThroughputDrop)
		if baseline > 0 && m.Throughput < floor {
			raise(RuleThroughputDrop, SeverityWarning, m.Throughput, floor,
				"throughput %.2f/s dropped below %.2f/s (baseline %.2f/s)", m.Throughput, floor, baseline)
		}
	}

	switch current.Health.Status {
	case queue.HealthOffline, queue.HealthCritical:
		raise(RuleHealth, SeverityCritical, 0, 0, "queue health is %s", current.Health.Status)
	case queue.HealthDegraded:
		raise(RuleHealth, SeverityWarning, 0, 0, "queue health is %s", current.Health.Status)
	}

	return alerts
}
