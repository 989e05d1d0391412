package machine

import (
	"errors"
	"testing"
	"time"

	"github.com/comalice/fsmgrid/descriptor"
)

func callFlowTable(t *testing.T) *descriptor.Table {
	t.Helper()
	entries := 0
	b := descriptor.NewMachine("call").Initial("IDLE")
	b.State("IDLE").
		OnEntry(func(m any) { entries++ }).
		On("INCOMING_CALL").GoTo("RINGING")
	b.State("RINGING").
		Timeout(int64(30*time.Second), "HUNGUP").
		On("ANSWER").GoTo("CONNECTED").
		On("HANGUP").GoTo("HUNGUP")
	b.State("CONNECTED").
		On("PING").Stay(func(m any, e any) {}).
		On("HANGUP").GoTo("HUNGUP")
	b.State("HUNGUP").Final()
	b.State("PARKED").Offline()
	table, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return table
}

type fakeArmer struct {
	scheduled int
	cancelled int
	lastEpoch uint64
}

func (f *fakeArmer) Schedule(machineID string, d time.Duration, epoch uint64) any {
	f.scheduled++
	f.lastEpoch = epoch
	return epoch
}

func (f *fakeArmer) Cancel(handle any) {
	f.cancelled++
}

func TestStartEntersInitialAndPersists(t *testing.T) {
	table := callFlowTable(t)
	m := New("call-1", table, nil)

	var persisted *PersistentContext
	deps := Deps{
		Persist: func(id string, ctx *PersistentContext) error {
			persisted = ctx
			return nil
		},
	}
	if _, err := m.Start(deps); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.CurrentState() != "IDLE" {
		t.Fatalf("current = %q, want IDLE", m.CurrentState())
	}
	if persisted == nil || persisted.CurrentState != "IDLE" {
		t.Fatalf("persist not called with IDLE context: %+v", persisted)
	}
	if _, err := m.Start(deps); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: got %v, want ErrAlreadyStarted", err)
	}
}

func TestRehydrateSkipsOnEntryAndArmsTimeout(t *testing.T) {
	table := callFlowTable(t)
	m := New("call-2", table, nil)
	armer := &fakeArmer{}
	ctx := &PersistentContext{CurrentState: "RINGING", LastStateChange: time.Now(), Data: map[string]any{}}

	if err := m.Rehydrate(ctx, "volatile", Deps{Armer: armer}); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if m.CurrentState() != "RINGING" {
		t.Fatalf("current = %q, want RINGING", m.CurrentState())
	}
	if armer.scheduled != 1 {
		t.Fatalf("expected timeout armed once, got %d", armer.scheduled)
	}
	if m.Volatile() != "volatile" {
		t.Fatalf("volatile not restored")
	}
}

func TestFireUnmatchedEventIsIgnored(t *testing.T) {
	table := callFlowTable(t)
	m := New("call-3", table, nil)
	persistCalls := 0
	if _, err := m.Start(Deps{Persist: func(string, *PersistentContext) error { persistCalls++; return nil }}); err != nil {
		t.Fatalf("start: %v", err)
	}
	persistCalls = 0

	out, err := m.Fire("HANGUP", nil, Deps{Persist: func(string, *PersistentContext) error { persistCalls++; return nil }})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if out.Accepted {
		t.Fatalf("expected unmatched event to be ignored, got Accepted")
	}
	if out.OldState != "IDLE" || out.NewState != "IDLE" {
		t.Fatalf("expected no state change, got %+v", out)
	}
	if persistCalls != 0 {
		t.Fatalf("expected no persist call for ignored event, got %d", persistCalls)
	}
}

func TestFireStayRunsHandlerAndPersistsUnconditionally(t *testing.T) {
	table := callFlowTable(t)
	m := New("call-4", table, nil)
	if _, err := m.Start(Deps{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Fire("INCOMING_CALL", nil, Deps{}); err != nil {
		t.Fatalf("fire incoming: %v", err)
	}
	if _, err := m.Fire("ANSWER", nil, Deps{}); err != nil {
		t.Fatalf("fire answer: %v", err)
	}

	persistCalls := 0
	out, err := m.Fire("PING", nil, Deps{Persist: func(string, *PersistentContext) error { persistCalls++; return nil }})
	if err != nil {
		t.Fatalf("fire ping: %v", err)
	}
	if !out.Accepted || !out.Stayed {
		t.Fatalf("expected accepted stay transition, got %+v", out)
	}
	if out.OldState != out.NewState || out.OldState != "CONNECTED" {
		t.Fatalf("expected self-transition at CONNECTED, got %+v", out)
	}
	if persistCalls != 1 {
		t.Fatalf("expected exactly one unconditional persist on stay, got %d", persistCalls)
	}
}

func TestFireGoTransitionOrderAndRearm(t *testing.T) {
	table := callFlowTable(t)
	m := New("call-5", table, nil)
	armer := &fakeArmer{}
	if _, err := m.Start(Deps{Armer: armer}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Fire("INCOMING_CALL", nil, Deps{Armer: armer}); err != nil {
		t.Fatalf("fire incoming: %v", err)
	}
	if m.CurrentState() != "RINGING" {
		t.Fatalf("current = %q, want RINGING", m.CurrentState())
	}
	if armer.scheduled != 1 {
		t.Fatalf("expected timeout armed entering RINGING, got %d", armer.scheduled)
	}
	epochBefore := m.ArmEpoch()

	out, err := m.Fire("ANSWER", nil, Deps{Armer: armer})
	if err != nil {
		t.Fatalf("fire answer: %v", err)
	}
	if !out.Accepted || out.Stayed {
		t.Fatalf("expected accepted go transition, got %+v", out)
	}
	if out.OldState != "RINGING" || out.NewState != "CONNECTED" {
		t.Fatalf("unexpected transition: %+v", out)
	}
	if m.ArmEpoch() != epochBefore+1 {
		t.Fatalf("expected arm epoch bumped, got %d want %d", m.ArmEpoch(), epochBefore+1)
	}
	if armer.cancelled != 1 {
		t.Fatalf("expected prior timeout cancelled, got %d", armer.cancelled)
	}
	if out.Evict != EvictNone {
		t.Fatalf("expected no eviction at CONNECTED, got %v", out.Evict)
	}
}

func TestFireIntoFinalMarksCompleteAndEvicts(t *testing.T) {
	table := callFlowTable(t)
	m := New("call-6", table, nil)
	if _, err := m.Start(Deps{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Fire("INCOMING_CALL", nil, Deps{}); err != nil {
		t.Fatalf("fire incoming: %v", err)
	}
	out, err := m.Fire("HANGUP", nil, Deps{})
	if err != nil {
		t.Fatalf("fire hangup: %v", err)
	}
	if out.Evict != EvictFinal {
		t.Fatalf("expected EvictFinal, got %v", out.Evict)
	}
	if !m.Persistent().Complete {
		t.Fatalf("expected persistent.Complete true after reaching final state")
	}
	if !m.Evicted() {
		t.Fatalf("expected instance marked evicted")
	}
	if _, err := m.Fire("HANGUP", nil, Deps{}); !errors.Is(err, ErrEvicted) {
		t.Fatalf("expected ErrEvicted firing on evicted machine, got %v", err)
	}
}

func TestFirePanicRollsBackToSnapshot(t *testing.T) {
	b := descriptor.NewMachine("panicky").Initial("A")
	b.State("A").On("BOOM").GoTo("B")
	b.State("B").OnEntry(func(m any) { panic("handler blew up") })
	table, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m := New("call-7", table, nil)
	if _, err := m.Start(Deps{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := m.Fire("BOOM", nil, Deps{})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if out.Fault == nil {
		t.Fatalf("expected TransitionFault to be reported")
	}
	if out.OldState != "A" || out.NewState != "A" {
		t.Fatalf("expected rollback to A, got %+v", out)
	}
	if m.CurrentState() != "A" {
		t.Fatalf("expected machine to remain in A after rollback, got %q", m.CurrentState())
	}

	if _, err := m.Fire("BOOM", nil, Deps{}); err != nil {
		t.Fatalf("machine should remain usable after a rolled-back fault: %v", err)
	}
}

func TestStartPanicIsReportedAsFaultNotPropagated(t *testing.T) {
	b := descriptor.NewMachine("panicky-start").Initial("A")
	b.State("A").OnEntry(func(m any) { panic("entry blew up") }).On("PING").Stay(func(m any, e any) {})
	table, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m := New("call-9", table, nil)

	out, err := m.Start(Deps{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Fault == nil {
		t.Fatalf("expected TransitionFault reported from a panicking initial onEntry")
	}
	if m.CurrentState() != "A" {
		t.Fatalf("expected machine to have entered A despite the fault, got %q", m.CurrentState())
	}

	// The instance must remain usable after a faulted Start: a second Start
	// fails with ErrAlreadyStarted, and a normal Fire still works.
	if _, err := m.Start(Deps{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: got %v, want ErrAlreadyStarted", err)
	}
	if _, err := m.Fire("PING", nil, Deps{}); err != nil {
		t.Fatalf("fire after faulted start: %v", err)
	}
}

func TestFirePersistErrorIsPropagated(t *testing.T) {
	table := callFlowTable(t)
	m := New("call-8", table, nil)
	if _, err := m.Start(Deps{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	wantErr := errors.New("disk full")
	_, err := m.Fire("INCOMING_CALL", nil, Deps{Persist: func(string, *PersistentContext) error { return wantErr }})
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("expected persist error to propagate, got %v", err)
	}
}
