package claude

import "sync"

// stderrTailLines is how many trailing stderr lines are kept for exit reports.
const stderrTailLines = 5

// stderrTail is a fixed-capacity ring of the most recent stderr lines.
type stderrTail struct {
	mu   sync.Mutex
	buf  []string
	pos  int
	full bool
}

func newStderrTail(capacity int) *stderrTail {
	return &stderrTail{buf: make([]string, capacity)}
}

func (t *stderrTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf[t.pos] = line
	t.pos = (t.pos + 1) % len(t.buf)
	if t.pos == 0 {
		t.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (t *stderrTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]string, t.pos)
		copy(out, t.buf[:t.pos])
		return out
	}
	out := make([]string, len(t.buf))
	n := copy(out, t.buf[t.pos:])
	copy(out[n:], t.buf[:t.pos])
	return out
}
