package jsonstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/comalice/fsmgrid/machine"
	"github.com/comalice/fsmgrid/persistence"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	pc := &machine.PersistentContext{CurrentState: "CONNECTED", LastStateChange: time.Now(), Data: map[string]any{"n": float64(3)}}

	if err := s.Save(ctx, "call-1", pc); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.Load(ctx, "call-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CurrentState != "CONNECTED" {
		t.Fatalf("current = %q", loaded.CurrentState)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	ctx := context.Background()
	s.Save(ctx, "call-2", &machine.PersistentContext{CurrentState: "IDLE", Data: map[string]any{}})

	ok, err := s.Exists(ctx, "call-2")
	if err != nil || !ok {
		t.Fatalf("expected exists, got %v %v", ok, err)
	}
	if err := s.Delete(ctx, "call-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, _ = s.Exists(ctx, "call-2")
	if ok {
		t.Fatalf("expected not exists after delete")
	}
	if err := s.Delete(ctx, "call-2"); err != nil {
		t.Fatalf("delete of already-deleted should be a no-op, got %v", err)
	}
}
