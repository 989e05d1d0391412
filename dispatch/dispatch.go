// Package dispatch implements the Event Dispatch Pool: one bounded
// mailbox per machine, a shared set of worker goroutines, and the
// "exactly one worker owns a mailbox at a time" rule that gives every
// machine strict per-id serialization without a goroutine per machine.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// EnqueuePolicy controls what happens when a mailbox is at capacity.
type EnqueuePolicy int

const (
	// FailFast returns ErrMachineBusy immediately (spec's documented
	// default).
	FailFast EnqueuePolicy = iota
	// BlockBounded waits for room, honoring the caller's context.
	BlockBounded
)

// ErrMachineBusy is returned by Enqueue under FailFast when the target
// mailbox is full.
var ErrMachineBusy = errors.New("dispatch: mailbox full")

// ErrDraining is returned by Enqueue once Pool.Shutdown has been
// called.
var ErrDraining = errors.New("dispatch: pool is draining")

// Job is one unit of work: resolve and run exactly one event against
// one machine. Handler is supplied by the registry, which closes over
// the target Instance and the event. TraceID is opaque to the pool; it
// exists so callers can correlate a dispatch with its enqueue-time log
// line without the pool needing to know anything about logging.
type Job struct {
	MachineID string
	TraceID   string
	Run       func()
}

// mailbox is one machine's strictly-ordered pending-job queue.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	running bool // a worker currently owns and is draining this mailbox
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// Pool is the shared worker pool. The zero value is not usable; use
// New.
type Pool struct {
	capacity int
	policy   EnqueuePolicy
	sem      *semaphore.Weighted

	mu       sync.Mutex
	mailboxes map[string]*mailbox
	draining  bool
	wg        sync.WaitGroup

	onDepthChange func(delta int) // optional metrics hook
}

// Config controls mailbox capacity, backpressure policy and the
// process-wide concurrent-machine budget.
type Config struct {
	MailboxCapacity       int
	EnqueuePolicy         EnqueuePolicy
	MaxConcurrentMachines int64
	OnDepthChange         func(delta int)
}

// New constructs a Pool per cfg, filling in documented defaults for
// zero-valued fields.
func New(cfg Config) *Pool {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 64
	}
	if cfg.MaxConcurrentMachines <= 0 {
		cfg.MaxConcurrentMachines = 1024
	}
	return &Pool{
		capacity:      cfg.MailboxCapacity,
		policy:        cfg.EnqueuePolicy,
		sem:           semaphore.NewWeighted(cfg.MaxConcurrentMachines),
		mailboxes:     make(map[string]*mailbox),
		onDepthChange: cfg.OnDepthChange,
	}
}

// Enqueue adds job to machineID's mailbox, starting a worker for it if
// none is currently draining it. Returns ErrDraining if Shutdown has
// been called, or ErrMachineBusy if the mailbox is full under FailFast.
// Under BlockBounded, ctx governs how long Enqueue waits for room.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrDraining
	}
	mb, ok := p.mailboxes[job.MachineID]
	if !ok {
		mb = newMailbox()
		p.mailboxes[job.MachineID] = mb
	}
	p.mu.Unlock()

	mb.mu.Lock()
	if len(mb.queue) >= p.capacity {
		if p.policy == FailFast {
			mb.mu.Unlock()
			return ErrMachineBusy
		}
		// BlockBounded: wait for a dequeue to free capacity. sync.Cond
		// has no native context support, so a helper goroutine
		// broadcasts once when ctx is done to wake the waiter.
		stopWaiting := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				mb.cond.Broadcast()
			case <-stopWaiting:
			}
		}()
		for len(mb.queue) >= p.capacity && ctx.Err() == nil {
			mb.cond.Wait()
		}
		close(stopWaiting)
		if ctx.Err() != nil {
			mb.mu.Unlock()
			return ctx.Err()
		}
	}

	mb.queue = append(mb.queue, job)
	if p.onDepthChange != nil {
		p.onDepthChange(1)
	}
	start := !mb.running
	if start {
		mb.running = true
	}
	mb.mu.Unlock()

	if start {
		p.wg.Add(1)
		// A worker's lifetime spans every job ever enqueued on mb, not
		// just the caller's request — it must not inherit this one
		// Enqueue call's context.
		go p.drain(context.Background(), job.MachineID, mb)
	}
	return nil
}

// drain is the worker body: one goroutine owns mb exclusively from the
// moment it sets running=true until the queue empties, enforcing that
// exactly one worker may own a given mailbox at any time.
func (p *Pool) drain(ctx context.Context, machineID string, mb *mailbox) {
	defer p.wg.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		mb.mu.Lock()
		mb.running = false
		mb.mu.Unlock()
		return
	}
	defer p.sem.Release(1)

	for {
		mb.mu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			mb.mu.Unlock()
			return
		}
		job := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.cond.Broadcast()
		mb.mu.Unlock()

		if p.onDepthChange != nil {
			p.onDepthChange(-1)
		}
		job.Run()
	}
}

// Shutdown stops accepting new work and waits for in-flight mailboxes
// to drain, or for ctx to expire first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
