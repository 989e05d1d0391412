// Package registry implements the Registry: the owner of the live
// machine index, rehydration policy, eviction rule, and the concurrency
// budget tying together descriptor, machine, dispatch, persistence,
// timeoutwheel and listener into one runtime. Construction follows a
// functional-options pattern (Option values applied in New); package
// dispatch and package machine take plain Config and Deps structs
// instead.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/comalice/fsmgrid/descriptor"
	"github.com/comalice/fsmgrid/dispatch"
	"github.com/comalice/fsmgrid/eventreg"
	"github.com/comalice/fsmgrid/internal/obs"
	"github.com/comalice/fsmgrid/listener"
	"github.com/comalice/fsmgrid/machine"
	"github.com/comalice/fsmgrid/persistence"
	"github.com/comalice/fsmgrid/timeoutwheel"
)

// Error kinds.
var (
	ErrAlreadyRegistered = errors.New("registry: machine already registered")
	ErrNoSuchMachine      = errors.New("registry: no such machine")
	ErrDraining           = errors.New("registry: draining")
	ErrReentrantDispatch  = listener.ErrReentrantDispatch
)

// Factory builds a fresh, not-yet-started machine for id: the
// descriptor table it runs against and its initial volatile context.
// Used both by CreateOrGet's caller-supplied factory and by the
// registry's default factory for on-demand rehydration in sendEvent.
type Factory func(id string) (table *descriptor.Table, volatile any, err error)

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithRehydrationEnabled toggles whether createOrGet/sendEvent consult
// persistence for unknown ids. Enabled by default.
func WithRehydrationEnabled(enabled bool) Option {
	return func(r *Registry) { r.rehydrationEnabled = enabled }
}

// WithDefaultFactory registers the factory SendEvent uses to rehydrate
// an unknown id on demand, as a default resolver for ids that arrive
// without an explicit factory.
func WithDefaultFactory(f Factory) Option {
	return func(r *Registry) { r.defaultFactory = f }
}

// WithDispatchPool overrides the default-configured dispatch.Pool.
func WithDispatchPool(p *dispatch.Pool) Option {
	return func(r *Registry) { r.pool = p }
}

// WithShutdownTimeout bounds Shutdown's drain wait.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Registry) { r.shutdownTimeout = d }
}

// WithSlowHandlerThreshold sets the duration beyond which a completed
// Fire call is counted as a SlowHandler warning.
func WithSlowHandlerThreshold(d time.Duration) Option {
	return func(r *Registry) { r.slowHandlerThreshold = d }
}

// WithMetrics attaches a *obs.Metrics instance; nil (the default)
// disables metrics collection.
func WithMetrics(m *obs.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithEventRegistry overrides the Event Type Registry used to resolve
// event values to names; defaults to eventreg.Default.
func WithEventRegistry(reg *eventreg.Registry) Option {
	return func(r *Registry) { r.events = reg }
}

// WithLogger overrides the zerolog.Logger used for warnings.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// Registry is the core runtime. Construct with New.
type Registry struct {
	persistence persistence.Provider
	scheduler   *timeoutwheel.Scheduler
	pool        *dispatch.Pool
	bus         *listener.Bus
	events      *eventreg.Registry
	log         zerolog.Logger

	rehydrationEnabled   bool
	defaultFactory       Factory
	shutdownTimeout      time.Duration
	slowHandlerThreshold time.Duration
	metrics              *obs.Metrics

	mu       sync.Mutex
	live     map[string]*machine.Instance
	draining bool

	timeoutDone chan struct{}
}

// New constructs a Registry backed by store and a fresh Scheduler/Pool
// (unless overridden by options).
func New(store persistence.Provider, opts ...Option) *Registry {
	r := &Registry{
		persistence:        store,
		scheduler:          timeoutwheel.New(nil),
		events:             eventreg.Default,
		rehydrationEnabled: true,
		shutdownTimeout:    30 * time.Second,
		live:               make(map[string]*machine.Instance),
		timeoutDone:        make(chan struct{}),
	}
	// OnDepthChange reads r.metrics at call time, not here, so it still
	// observes a metrics instance attached later by WithMetrics below.
	r.pool = dispatch.New(dispatch.Config{
		OnDepthChange: func(delta int) {
			if r.metrics != nil {
				r.metrics.MailboxDepth.Add(float64(delta))
			}
		},
	})
	r.log = zerolog.Nop()
	r.bus = listener.New(r.log)
	for _, opt := range opts {
		opt(r)
	}
	go r.runTimeouts()
	return r
}

// AddListener registers l with the Listener Bus.
func (r *Registry) AddListener(l listener.Listener) { r.bus.Add(l) }

// RemoveListener drops l from the Listener Bus.
func (r *Registry) RemoveListener(l listener.Listener) { r.bus.Remove(l) }

// SetRehydrationEnabled toggles the rehydration policy at runtime.
func (r *Registry) SetRehydrationEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rehydrationEnabled = enabled
}

func (r *Registry) deps() machine.Deps {
	return machine.Deps{
		Persist: func(id string, ctx *machine.PersistentContext) error {
			return r.persistence.Save(context.Background(), id, ctx)
		},
		Armer: r.scheduler,
	}
}

// Register inserts a not-yet-started machine built from table/volatile,
// starts it, and emits onRegistryCreate. Fails with ErrAlreadyRegistered
// if id is already live.
func (r *Registry) Register(id string, table *descriptor.Table, volatile any) (*machine.Instance, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrDraining
	}
	if _, exists := r.live[id]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	inst := machine.New(id, table, volatile)
	r.live[id] = inst
	r.mu.Unlock()

	out, err := inst.Start(r.deps())
	if err != nil {
		r.mu.Lock()
		delete(r.live, id)
		r.mu.Unlock()
		return nil, err
	}
	r.reportStartFault(id, out)
	if r.metrics != nil {
		r.metrics.LiveMachines.Set(float64(r.count()))
	}
	r.bus.NotifyCreate(id)
	return inst, nil
}

// reportStartFault surfaces a Start-time TransitionFault the same way
// runFire surfaces one from Fire: bump the counter, log a warning. The
// instance stays live and registered; only the initial onEntry failed.
func (r *Registry) reportStartFault(id string, out machine.Outcome) {
	if out.Fault == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.TransitionFaults.Inc()
	}
	r.log.Warn().Str("machineId", id).Err(out.Fault).Msg("transition fault entering initial state")
}

// CreateOrGet returns the live instance for id, rehydrating from
// persistence or creating fresh via factory. factory may be nil to fall
// back to the registry's default factory.
func (r *Registry) CreateOrGet(ctx context.Context, id string, factory Factory) (*machine.Instance, error) {
	r.mu.Lock()
	if inst, ok := r.live[id]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	if r.draining {
		r.mu.Unlock()
		return nil, ErrDraining
	}
	r.mu.Unlock()

	if factory == nil {
		factory = r.defaultFactory
	}
	if factory == nil {
		return nil, ErrNoSuchMachine
	}

	table, volatile, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("registry: factory for %q: %w", id, err)
	}

	rehydrate := false
	if r.rehydrationEnabled {
		exists, err := r.persistence.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			complete, err := r.persistence.IsComplete(ctx, id)
			if err != nil {
				return nil, err
			}
			if complete {
				// A complete record marks a final state already
				// reached; rehydrating it would resurrect a finished
				// machine, so the call is rejected outright rather
				// than silently starting a fresh one.
				return nil, ErrNoSuchMachine
			}
			rehydrate = true
		}
	}

	// Double-checked insert: two concurrent CreateOrGet calls for the
	// same id must settle on one instance.
	r.mu.Lock()
	if inst, ok := r.live[id]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	inst := machine.New(id, table, volatile)
	r.live[id] = inst
	r.mu.Unlock()

	if rehydrate {
		persisted, err := r.persistence.Load(ctx, id)
		if err != nil {
			r.mu.Lock()
			delete(r.live, id)
			r.mu.Unlock()
			return nil, err
		}
		if err := inst.Rehydrate(persisted, volatile, r.deps()); err != nil {
			r.mu.Lock()
			delete(r.live, id)
			r.mu.Unlock()
			return nil, err
		}
		r.bus.NotifyRehydrate(id)
	} else {
		out, err := inst.Start(r.deps())
		if err != nil {
			r.mu.Lock()
			delete(r.live, id)
			r.mu.Unlock()
			return nil, err
		}
		r.reportStartFault(id, out)
		r.bus.NotifyCreate(id)
	}

	if r.metrics != nil {
		r.metrics.LiveMachines.Set(float64(r.count()))
	}
	return inst, nil
}

// SendEvent resolves event's registered type name and enqueues it for
// id's machine, rehydrating on demand when absent and a default factory
// is configured. Returns true once the event is successfully enqueued,
// never once it's been processed.
func (r *Registry) SendEvent(id string, event any) bool {
	if r.isDraining() {
		r.dropped(id, "draining")
		return false
	}
	if r.bus.InFlight(id) {
		r.dropped(id, "reentrant")
		r.log.Warn().Str("machineId", id).Msg("rejected reentrant sendEvent from listener callback")
		return false
	}

	typeName, err := r.events.NameOf(event)
	if err != nil {
		r.dropped(id, "unknown-event-type")
		return false
	}

	inst, ok := r.lookupOrRehydrate(id)
	if !ok {
		r.dropped(id, "no-such-machine")
		return false
	}

	traceID := uuid.NewString()
	r.log.Debug().Str("machineId", id).Str("traceId", traceID).Str("eventType", typeName).Msg("enqueue")
	err = r.pool.Enqueue(context.Background(), dispatch.Job{
		MachineID: id,
		TraceID:   traceID,
		Run:       func() { r.runFire(inst, id, typeName, event) },
	})
	if err != nil {
		r.dropped(id, "enqueue-failed")
		return false
	}
	return true
}

func (r *Registry) lookupOrRehydrate(id string) (*machine.Instance, bool) {
	r.mu.Lock()
	inst, ok := r.live[id]
	r.mu.Unlock()
	if ok {
		return inst, true
	}
	if r.defaultFactory == nil {
		return nil, false
	}
	inst, err := r.CreateOrGet(context.Background(), id, r.defaultFactory)
	if err != nil {
		return nil, false
	}
	return inst, true
}

func (r *Registry) dropped(id, reason string) {
	if r.metrics != nil {
		r.metrics.DroppedEvents.WithLabelValues(reason).Inc()
	}
	r.log.Debug().Str("machineId", id).Str("reason", reason).Msg("dropped event")
}

// runFire executes one dispatch job: fire the event, persist happens
// inside Fire, then notify listeners and evict if requested. Runs on a
// dispatch worker goroutine, which is this machine's serial lock.
func (r *Registry) runFire(inst *machine.Instance, id, typeName string, event any) {
	start := time.Now()
	out, err := inst.Fire(typeName, event, r.deps())
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.ObserveTransition(elapsed, r.slowHandlerThreshold)
	}
	if r.slowHandlerThreshold > 0 && elapsed > r.slowHandlerThreshold {
		r.log.Warn().Str("machineId", id).Str("eventType", typeName).Dur("elapsed", elapsed).Msg("slow handler")
	}
	if err != nil {
		r.log.Error().Str("machineId", id).Err(err).Msg("transition failed")
		return
	}
	if !out.Accepted {
		if r.metrics != nil {
			r.metrics.IgnoredEvents.WithLabelValues(typeName).Inc()
		}
		return
	}
	if out.Fault != nil {
		if r.metrics != nil {
			r.metrics.TransitionFaults.Inc()
		}
		r.log.Warn().Str("machineId", id).Err(out.Fault).Msg("transition fault")
	}

	r.bus.NotifyStateMachineEvent(id, out.OldState, out.NewState, inst.Persistent(), inst.Volatile())

	if out.Evict != machine.EvictNone {
		r.evict(id, inst, out.Evict)
	}
}

func (r *Registry) evict(id string, inst *machine.Instance, kind machine.EvictKind) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
	inst.MarkEvicted()

	if kind == machine.EvictFinal {
		if err := r.persistence.Delete(context.Background(), id); err != nil {
			r.log.Warn().Str("machineId", id).Err(err).Msg("failed to delete persisted record for final machine")
		}
	}
	if r.metrics != nil {
		r.metrics.LiveMachines.Set(float64(r.count()))
	}
	r.bus.NotifyRemove(id)
}

// RemoveMachine removes id from the live set outside the transition
// path (operator-initiated eviction), without touching persistence.
func (r *Registry) RemoveMachine(id string) {
	r.mu.Lock()
	inst, ok := r.live[id]
	if ok {
		delete(r.live, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	inst.MarkEvicted()
	if r.metrics != nil {
		r.metrics.LiveMachines.Set(float64(r.count()))
	}
	r.bus.NotifyRemove(id)
}

func (r *Registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Registry) isDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// runTimeouts drains the scheduler's expired-timeout channel and
// re-delivers each as a synthetic __TIMEOUT__ event, dropping any whose
// epoch no longer matches the instance's current arm-epoch — a stale
// timeout armed against a state the machine has since left.
func (r *Registry) runTimeouts() {
	defer close(r.timeoutDone)
	for ev := range r.scheduler.Events() {
		r.mu.Lock()
		inst, ok := r.live[ev.MachineID]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if inst.ArmEpoch() != ev.Epoch {
			continue
		}
		id := ev.MachineID
		epoch := ev.Epoch
		traceID := uuid.NewString()
		r.log.Debug().Str("machineId", id).Str("traceId", traceID).Msg("timeout fired")
		r.pool.Enqueue(context.Background(), dispatch.Job{
			MachineID: id,
			TraceID:   traceID,
			Run: func() {
				// Checked again on the worker: an event queued ahead of
				// this timeout may have moved the machine on since enqueue.
				if inst.ArmEpoch() != epoch {
					return
				}
				r.runFire(inst, id, descriptor.TimeoutEventName, nil)
			},
		})
	}
}

// Shutdown stops accepting new events, drains in-flight dispatches
// (bounded by the configured shutdownTimeout or ctx, whichever is
// tighter), stops the scheduler, and closes persistence if it supports
// io.Closer.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	deadline := r.shutdownTimeout
	drainCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	err := r.pool.Shutdown(drainCtx)
	r.scheduler.Close()
	if c, ok := r.persistence.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
