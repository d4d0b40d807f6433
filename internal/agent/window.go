package agent

import "time"

// window 是定长的 FIFO 耗时窗口，超出容量时淘汰最早的样本。调用方负责加锁。
type window struct {
	limit   int
	samples []time.Duration
}

func newWindow(limit int) *window {
	return &window{limit: limit, samples: make([]time.Duration, 0, limit)}
}

func (w *window) push(d time.Duration) {
	if len(w.samples) == w.limit {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.limit-1]
	}
	w.samples = append(w.samples, d)
}

func (w *window) len() int { return len(w.samples) }

func (w *window) mean() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range w.samples {
		total += d
	}
	return total / time.Duration(len(w.samples))
}

func (w *window) snapshot() []time.Duration {
	out := make([]time.Duration, len(w.samples))
	copy(out, w.samples)
	return out
}
