// Package timeoutwheel implements the Timeout Scheduler: a single
// background goroutine that arms and fires per-state timeouts for every
// live Machine Instance, using monotonic time and arm-epoch tokens so a
// cancellation racing a firing timer can never be mistaken for a live
// one.
//
// Grounded on container/heap rather than a bucketed "timer wheel" in the
// traditional sense: with one firing goroutine and lazy cancellation, a
// min-heap keyed by deadline gives O(log n) arm and O(1) cancel. The
// goroutine sleeps until the earliest deadline in the heap (a cancelled
// timer's deadline included) and is also woken by every Schedule call.
package timeoutwheel

import (
	"container/heap"
	"sync"
	"time"
)

// Event is delivered to the dispatch layer when an armed timeout
// expires. Epoch must be compared against the machine's current
// Instance.ArmEpoch() before acting on it: if they differ, the timeout
// was superseded by a later transition and must be dropped silently.
type Event struct {
	MachineID string
	Epoch     uint64
}

type timer struct {
	deadline  time.Time
	machineID string
	epoch     uint64
	seq       uint64
	cancelled bool
	index     int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler owns the heap and the single firing goroutine. The zero
// value is not usable; use New.
type Scheduler struct {
	now func() time.Time

	mu     sync.Mutex
	pq     timerHeap
	seq    uint64
	wake   chan struct{}
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// New starts a Scheduler. now defaults to time.Now when nil, overridable
// in tests so arm/fire ordering can be driven deterministically.
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		now:    now,
		wake:   make(chan struct{}, 1),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Events returns the channel the dispatch layer reads expired timeouts
// from. It is closed once Close has stopped the firing goroutine.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Schedule arms a timeout for machineID, firing in d if not cancelled
// first. epoch is stamped onto the delivered Event verbatim so the
// dispatch worker can detect staleness. Returns an opaque handle for
// Cancel. Satisfies machine.TimeoutArmer.
func (s *Scheduler) Schedule(machineID string, d time.Duration, epoch uint64) any {
	s.mu.Lock()
	s.seq++
	t := &timer{
		deadline:  s.now().Add(d),
		machineID: machineID,
		epoch:     epoch,
		seq:       s.seq,
	}
	heap.Push(&s.pq, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t
}

// Cancel marks handle as cancelled. Lazy deletion: the timer stays in
// the heap until its deadline is reached and is then discarded without
// delivering an Event. Cancel on an already-fired or unknown handle is
// a silent no-op.
func (s *Scheduler) Cancel(handle any) {
	t, ok := handle.(*timer)
	if !ok || t == nil {
		return
	}
	s.mu.Lock()
	t.cancelled = true
	s.mu.Unlock()
}

// Close stops the firing goroutine. Safe to call once; further Schedule
// calls after Close continue to accept timers that will never fire.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Scheduler) run() {
	// Only this goroutine sends on events, so closing it here is safe.
	defer close(s.events)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if s.pq.Len() == 0 {
			wait = time.Hour
		} else {
			wait = s.pq[0].deadline.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.done:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireExpired()
		}
	}
}

func (s *Scheduler) fireExpired() {
	now := s.now()
	var expired []*timer

	s.mu.Lock()
	for s.pq.Len() > 0 && !s.pq[0].deadline.After(now) {
		t := heap.Pop(&s.pq).(*timer)
		if !t.cancelled {
			expired = append(expired, t)
		}
	}
	s.mu.Unlock()

	for _, t := range expired {
		select {
		case s.events <- Event{MachineID: t.machineID, Epoch: t.epoch}:
		case <-s.done:
			return
		}
	}
}
