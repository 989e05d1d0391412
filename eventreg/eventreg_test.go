package eventreg

import "testing"

type incomingCall struct{ From string }
type answer struct{}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register(incomingCall{}, "INCOMING_CALL"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(answer{}, "ANSWER"); err != nil {
		t.Fatalf("register: %v", err)
	}

	name, err := r.NameOf(incomingCall{From: "+1"})
	if err != nil {
		t.Fatalf("nameOf: %v", err)
	}
	if name != "INCOMING_CALL" {
		t.Fatalf("got %q, want INCOMING_CALL", name)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	if err := r.Register(incomingCall{}, "INCOMING_CALL"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(incomingCall{}, "INCOMING_CALL"); err != nil {
		t.Fatalf("repeat register should be a no-op: %v", err)
	}
}

func TestRegisterConflict(t *testing.T) {
	r := New()
	if err := r.Register(incomingCall{}, "INCOMING_CALL"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(incomingCall{}, "OTHER_NAME"); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := r.Register(answer{}, "INCOMING_CALL"); err == nil {
		t.Fatal("expected duplicate registration error for name collision")
	}
}

func TestNameOfUnknownType(t *testing.T) {
	r := New()
	if _, err := r.NameOf(struct{}{}); err == nil {
		t.Fatal("expected unknown event type error")
	}
}

func TestTypeOfRoundTrip(t *testing.T) {
	r := New()
	_ = r.Register(answer{}, "ANSWER")
	typ, ok := r.TypeOf("ANSWER")
	if !ok {
		t.Fatal("expected ANSWER to resolve to a type")
	}
	if typ.Name() != "answer" {
		t.Fatalf("got %s", typ.Name())
	}
}
