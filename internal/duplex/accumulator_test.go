package duplex

import (
	"bytes"
	"testing"
)

type flushRecorder struct {
	chunks  [][]byte
	reasons []string
}

func (r *flushRecorder) emit(pcm []byte, reason string) {
	r.chunks = append(r.chunks, pcm)
	r.reasons = append(r.reasons, reason)
}

func pattern(n, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(seed + i)
	}
	return b
}

func TestAccumulator_FlushPartitioning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames []int
	}{
		{"single small frame", []int{100}},
		{"exact threshold", []int{1000}},
		{"many small frames", []int{300, 300, 300, 300, 300, 300, 300}},
		{"oversized frame", []int{2500, 10}},
		{"mixed", []int{999, 1, 1500, 20, 980, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &flushRecorder{}
			acc := newAccumulator(1000, rec.emit)

			var sent []byte
			for i, n := range tt.frames {
				frame := pattern(n, i)
				sent = append(sent, frame...)
				acc.Append(frame)
			}
			acc.Flush()

			var got []byte
			for i, c := range rec.chunks {
				got = append(got, c...)
				if i < len(rec.chunks)-1 && len(c) < 1000 {
					t.Errorf("chunk %d has %d bytes; want >= threshold", i, len(c))
				}
			}
			if !bytes.Equal(got, sent) {
				t.Errorf("flushed bytes differ from received bytes (%d vs %d)", len(got), len(sent))
			}
			if acc.Len() != 0 {
				t.Errorf("Len() = %d after final flush; want 0", acc.Len())
			}
		})
	}
}

func TestAccumulator_ClearDiscardsPending(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	acc := newAccumulator(1000, rec.emit)

	acc.Append(pattern(400, 0))
	if n := acc.Clear(); n != 400 {
		t.Errorf("Clear() = %d; want 400", n)
	}
	acc.Flush()

	if len(rec.chunks) != 0 {
		t.Errorf("emitted %d chunks after clear; want 0", len(rec.chunks))
	}
	if acc.Len() != 0 {
		t.Errorf("Len() = %d; want 0", acc.Len())
	}
}

func TestAccumulator_FlushReasons(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	acc := newAccumulator(10, rec.emit)

	acc.Append(pattern(12, 0))
	acc.Append(pattern(3, 0))
	acc.Flush()

	want := []string{flushThreshold, flushDone}
	if len(rec.reasons) != len(want) {
		t.Fatalf("reasons = %v; want %v", rec.reasons, want)
	}
	for i := range want {
		if rec.reasons[i] != want[i] {
			t.Errorf("reason[%d] = %q; want %q", i, rec.reasons[i], want[i])
		}
	}
}

func TestAccumulator_DefaultThreshold(t *testing.T) {
	t.Parallel()
	acc := newAccumulator(0, func([]byte, string) {})
	if acc.threshold != DefaultFlushThreshold {
		t.Errorf("threshold = %d; want %d", acc.threshold, DefaultFlushThreshold)
	}
}

func TestAccumulator_EmittedChunkIsCopy(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	acc := newAccumulator(4, rec.emit)

	acc.Append([]byte{1, 2, 3, 4})
	acc.Append([]byte{9, 9, 9, 9})

	if !bytes.Equal(rec.chunks[0], []byte{1, 2, 3, 4}) {
		t.Errorf("first chunk = %v; want [1 2 3 4]", rec.chunks[0])
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for st, want := range map[State]string{
		StateIdle: "idle", StateConnecting: "connecting", StateActive: "active",
		StateClosing: "closing", StateClosed: "closed", StateError: "error", State(99): "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q; want %q", st, got, want)
		}
	}
}
