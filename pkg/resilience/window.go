package resilience

import "sync"

// Window is a count-based sliding window over the last N call outcomes.
type Window struct {
	mu        sync.Mutex
	outcomes  []bool
	next      int
	count     int
	failures  int
	minCalls  int
	threshold float64
}

func NewWindow(size, minCalls int, threshold float64) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{
		outcomes:  make([]bool, size),
		minCalls:  minCalls,
		threshold: threshold,
	}
}

func (w *Window) Record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.count++
	}
	w.outcomes[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

// FailureRate returns the failure percentage and the number of recorded calls.
func (w *Window) FailureRate() (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0, 0
	}
	return float64(w.failures) * 100 / float64(w.count), w.count
}

// ShouldTrip is true once minCalls outcomes are recorded and the failure rate
// is strictly above the threshold.
func (w *Window) ShouldTrip() bool {
	rate, n := w.FailureRate()
	return n >= w.minCalls && rate > w.threshold
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.outcomes)
	w.next, w.count, w.failures = 0, 0, 0
}
