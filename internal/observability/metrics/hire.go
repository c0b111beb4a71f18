package metrics

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Ledger confirmation dominates hire steps, so buckets reach past the
// maximum confirmation timeout.
var stepBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180}

type outcomeKey struct {
	state string
	code  string
}

type hireMetrics struct {
	mu       sync.Mutex
	steps    map[string]*histogram
	outcomes map[outcomeKey]uint64
}

var hireCollector = &hireMetrics{
	steps:    make(map[string]*histogram),
	outcomes: make(map[outcomeKey]uint64),
}

// ObserveHireStep records how long a workflow spent in one state.
func ObserveHireStep(state string, duration time.Duration) {
	hireCollector.mu.Lock()
	defer hireCollector.mu.Unlock()
	hist := hireCollector.steps[state]
	if hist == nil {
		hist = newHistogramWith(stepBuckets)
		hireCollector.steps[state] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveHireOutcome counts a finished workflow by final state and error
// code. code is empty for successful hires.
func ObserveHireOutcome(state, code string) {
	hireCollector.mu.Lock()
	defer hireCollector.mu.Unlock()
	hireCollector.outcomes[outcomeKey{state: state, code: code}]++
}

func (m *hireMetrics) write(b *strings.Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make([]outcomeKey, 0, len(m.outcomes))
	for key := range m.outcomes {
		outcomes = append(outcomes, key)
	}
	slices.SortFunc(outcomes, func(a, b outcomeKey) int {
		return cmp.Or(cmp.Compare(a.state, b.state), cmp.Compare(a.code, b.code))
	})
	header(b, "escrow_hire_outcomes_total", "counter", "Finished hire workflows by final state and error code.")
	for _, key := range outcomes {
		fmt.Fprintf(b, "escrow_hire_outcomes_total{%s,%s} %d\n",
			label("state", key.state), label("code", key.code), m.outcomes[key])
	}

	states := make([]string, 0, len(m.steps))
	for state := range m.steps {
		states = append(states, state)
	}
	slices.Sort(states)
	header(b, "escrow_hire_step_duration_seconds", "histogram", "Time spent in each hire workflow state.")
	for _, state := range states {
		writeHistogram(b, "escrow_hire_step_duration_seconds", label("state", state), m.steps[state])
	}
}
