package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// guardrailLabels are the only label keys exported; anything else is dropped.
var guardrailLabels = []string{"intent", "task", "strategy"}

// GuardrailCounter counts guardrail events in prometheus.
type GuardrailCounter struct {
	service string
	events  *prometheus.CounterVec
}

func newGuardrailCounter(service string) *GuardrailCounter {
	return &GuardrailCounter{
		service: service,
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pra",
				Subsystem: "guardrail",
				Name:      "events_total",
				Help:      "Guardrail events by kind.",
			},
			append([]string{"service", "event"}, guardrailLabels...),
		),
	}
}

func (g *GuardrailCounter) Increment(event string, labels map[string]string) {
	values := make([]string, 0, 2+len(guardrailLabels))
	values = append(values, g.service, event)
	for _, key := range guardrailLabels {
		values = append(values, labels[key])
	}
	g.events.WithLabelValues(values...).Inc()
}

// InMemoryGuardrails counts events in process for the CLI and tests.
type InMemoryGuardrails struct {
	counts sync.Map // event -> *atomic.Int64
}

func NewInMemoryGuardrails() *InMemoryGuardrails {
	return &InMemoryGuardrails{}
}

func (g *InMemoryGuardrails) Increment(event string, _ map[string]string) {
	counter, _ := g.counts.LoadOrStore(event, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
}

func (g *InMemoryGuardrails) Count(event string) int64 {
	counter, ok := g.counts.Load(event)
	if !ok {
		return 0
	}
	return counter.(*atomic.Int64).Load()
}

// Snapshot returns all counters keyed by event.
func (g *InMemoryGuardrails) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	g.counts.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

// String renders the snapshot as sorted event=count pairs.
func (g *InMemoryGuardrails) String() string {
	snapshot := g.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatInt(snapshot[k], 10))
	}
	return strings.Join(parts, " ")
}
