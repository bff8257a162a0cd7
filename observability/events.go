package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"stakesavings/core/events"
)

// EventMetrics counts emitted pool events. It satisfies events.Emitter so it
// can sit in an events.Fanout next to the journal.
type EventMetrics struct {
	emitted *prometheus.CounterVec
	harvest *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking structured pool events.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "savings",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of pool events segmented by type.",
			}, []string{"type"}),
			harvest: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "savings",
				Subsystem: "events",
				Name:      "harvest_steps_total",
				Help:      "Count of harvest workflow steps segmented by step.",
			}, []string{"step"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.harvest)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		eventType = "unknown"
	}
	m.emitted.WithLabelValues(eventType).Inc()
	if harvest, ok := evt.(events.SavingsHarvest); ok {
		step := strings.TrimSpace(harvest.Step)
		if step == "" {
			step = "unknown"
		}
		m.harvest.WithLabelValues(step).Inc()
	}
}
