package duplex

import "sync"

// DefaultFlushThreshold is 0.4 s of 24 kHz 16-bit mono audio.
const DefaultFlushThreshold = 19200

const (
	flushThreshold = "threshold"
	flushDone      = "done"
)

// accumulator buffers agent audio until it is large enough to play smoothly.
// Append, Flush, and Clear are mutually exclusive, so a barge-in clear can
// never interleave with a flush. emit runs with the lock held.
type accumulator struct {
	mu        sync.Mutex
	buf       []byte
	threshold int
	emit      func(pcm []byte, reason string)
}

func newAccumulator(threshold int, emit func([]byte, string)) *accumulator {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &accumulator{threshold: threshold, emit: emit}
}

// Append adds p and flushes the whole buffer once it reaches the threshold.
func (a *accumulator) Append(p []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, p...)
	if len(a.buf) >= a.threshold {
		a.flushLocked(flushThreshold)
	}
}

// Flush emits whatever is buffered, even below the threshold.
func (a *accumulator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) > 0 {
		a.flushLocked(flushDone)
	}
}

// Clear discards buffered audio and reports how many bytes were dropped.
func (a *accumulator) Clear() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.buf)
	a.buf = a.buf[:0]
	return n
}

// Reset discards buffered audio and releases the backing array.
func (a *accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
}

// Len reports the number of buffered bytes.
func (a *accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *accumulator) flushLocked(reason string) {
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	a.buf = a.buf[:0]
	a.emit(out, reason)
}
