package app

import "sync"

// LatencyWindow keeps a bounded ring of recent submission latencies so the
// dashboard can show an average without unbounded growth.
type LatencyWindow struct {
	mu     sync.RWMutex
	values []float64
	next   int
	filled bool
}

func NewLatencyWindow(maxSamples int) *LatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &LatencyWindow{values: make([]float64, maxSamples)}
}

// Observe records one latency sample in milliseconds.
func (w *LatencyWindow) Observe(ms float64) {
	if ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[w.next] = ms
	w.next++
	if w.next >= len(w.values) {
		w.next = 0
		w.filled = true
	}
}

// Average returns the mean of the recorded samples, zero when empty.
func (w *LatencyWindow) Average() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	count := w.next
	if w.filled {
		count = len(w.values)
	}
	if count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < count; i++ {
		sum += w.values[i]
	}
	return sum / float64(count)
}
