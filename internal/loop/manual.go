package loop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic executor for tests. Posted tasks wait until
// Flush; timers fire only when Advance moves the virtual clock past them.
// Post may be called from any goroutine; Flush and Advance must be called
// from the test goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	queue  []func()
	timers []*manualTimer
	posted chan struct{}
}

// NewManual creates an idle manual executor.
func NewManual() *Manual {
	return &Manual{posted: make(chan struct{}, 1)}
}

// Post queues fn until the next Flush.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.posted <- struct{}{}:
	default:
	}
}

// Wait blocks until a task is queued or timeout elapses, and reports
// whether the queue is non-empty. Use it to wait for completions posted by
// other goroutines.
func (m *Manual) Wait(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		n := len(m.queue)
		m.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-m.posted:
		case <-deadline:
			return false
		}
	}
}

// AfterFunc registers fn to fire once the virtual clock reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, due: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Flush runs queued tasks, including ones queued while flushing, and
// returns how many ran.
func (m *Manual) Flush() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
		ran++
	}
}

// Advance moves the virtual clock forward by d, firing due timers in order
// and flushing the queue after each.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	m.Flush()
	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].due == m.timers[j].due {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].due < m.timers[j].due
		})
		if len(m.timers) == 0 || m.timers[0].due > target {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		m.now = t.due
		m.mu.Unlock()

		t.fn()
		m.Flush()
	}
}

// PendingTimers returns the number of armed timers.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type manualTimer struct {
	m   *Manual
	due time.Duration
	seq int
	fn  func()
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i, other := range t.m.timers {
		if other == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			return true
		}
	}
	return false
}
