// Package metrics exposes Prometheus collectors for publishes and chat turns.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups the control-plane metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	publishes     *prometheus.CounterVec
	publishTime   prometheus.Histogram
	chatTurns     *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	activeTurns   prometheus.Gauge
	toolCalls     *prometheus.CounterVec
	limitExceeded prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		publishes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpert_publishes_total",
				Help: "Total number of team publishes by outcome",
			},
			[]string{"outcome"},
		),
		publishTime: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "xpert_publish_duration_seconds",
				Help:    "Publish duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		chatTurns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpert_chat_turns_total",
				Help: "Total number of finalized chat turns by status",
			},
			[]string{"status"},
		),
		turnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xpert_chat_turn_duration_seconds",
				Help:    "Chat turn duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpert_tokens_total",
				Help: "Total number of LLM tokens used by chat turns",
			},
			[]string{"xpert"},
		),
		activeTurns: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "xpert_active_chat_turns",
				Help: "Number of chat turns currently streaming",
			},
		),
		toolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpert_tool_calls_total",
				Help: "Total number of tool calls by outcome",
			},
			[]string{"tool", "outcome"},
		),
		limitExceeded: f.NewCounter(
			prometheus.CounterOpts{
				Name: "xpert_token_limit_exceeded_total",
				Help: "Total number of turns that hit the token limit",
			},
		),
	}
}

// ObservePublish records one publish attempt.
func (c *Collector) ObservePublish(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.publishes.WithLabelValues(outcome).Inc()
	c.publishTime.Observe(d.Seconds())
}

// TurnStarted marks a chat turn as streaming.
func (c *Collector) TurnStarted() {
	if c == nil {
		return
	}
	c.activeTurns.Inc()
}

// TurnFinished records a finalized chat turn.
func (c *Collector) TurnFinished(xpertID, status string, d time.Duration, tokens int64) {
	if c == nil {
		return
	}
	c.activeTurns.Dec()
	c.chatTurns.WithLabelValues(status).Inc()
	c.turnDuration.WithLabelValues(status).Observe(d.Seconds())
	if tokens > 0 {
		c.tokens.WithLabelValues(xpertID).Add(float64(tokens))
	}
}

// ToolCalled records one tool call.
func (c *Collector) ToolCalled(tool, outcome string) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// LimitExceeded records a turn that pushed usage past the limit.
func (c *Collector) LimitExceeded() {
	if c == nil {
		return
	}
	c.limitExceeded.Inc()
}
