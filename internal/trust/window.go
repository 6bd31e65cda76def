package trust

// window is a fixed-capacity circular buffer of signed behavior events.
// Pushing onto a full window overwrites the oldest event in O(1).
type window struct {
	buf  []int8
	head int // index of the next write
	size int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]int8, capacity)}
}

func (w *window) push(v int8) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

// recent sums the newest n events (or fewer when the window holds fewer).
func (w *window) recent(n int) (sum, count int) {
	if n > w.size {
		n = w.size
	}
	idx := w.head
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(w.buf) - 1
		}
		sum += int(w.buf[idx])
	}
	return sum, n
}

func (w *window) len() int { return w.size }
