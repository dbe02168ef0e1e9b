package stepstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ariaaba/ariasync/internal/legacy"
)

func TestMemoryStoreStepRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record, err := store.CreateAssessment(ctx, "reassessment ")
	if err != nil {
		t.Fatalf("create assessment failed: %v", err)
	}
	if !legacy.IsValidAssessmentID(record.ID) {
		t.Fatalf("expected uuid-shaped id, got %q", record.ID)
	}
	if record.EvaluationType != legacy.Reassessment || record.Status != StatusDraft {
		t.Fatalf("unexpected new assessment: %+v", record)
	}

	data, err := store.GetStepData(ctx, record.ID, "goals")
	if err != nil || data != nil {
		t.Fatalf("expected no data for fresh step, got %s err=%v", data, err)
	}

	if err := store.SaveStep(ctx, record.ID, "goals", json.RawMessage(`{"goals":["g1"]}`)); err != nil {
		t.Fatalf("save step failed: %v", err)
	}
	if err := store.SaveStep(ctx, record.ID, "goals", json.RawMessage(`{"goals":["g2"]}`)); err != nil {
		t.Fatalf("second save step failed: %v", err)
	}
	data, err = store.GetStepData(ctx, record.ID, "goals")
	if err != nil {
		t.Fatalf("get step failed: %v", err)
	}
	if string(data) != `{"goals":["g2"]}` {
		t.Fatalf("expected last write to win, got %s", data)
	}

	loaded, err := store.GetAssessment(ctx, record.ID)
	if err != nil {
		t.Fatalf("get assessment failed: %v", err)
	}
	if loaded.Status != StatusInProgress {
		t.Fatalf("expected in_progress after first save, got %s", loaded.Status)
	}
}

func TestMemoryStoreRejectsInvalidStepData(t *testing.T) {
	store := NewMemoryStore()
	err := store.SaveStep(context.Background(), "demo-1", "goals", json.RawMessage(`{"goals":"nope"}`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := store.SaveStep(context.Background(), "", "goals", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty id, got %v", err)
	}
}

func TestMemoryStoreSaveStepCreatesMissingAssessment(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.SaveStep(ctx, "demo-offline", "goals", json.RawMessage(`{"goals":[]}`)); err != nil {
		t.Fatalf("save step failed: %v", err)
	}
	record, err := store.GetAssessment(ctx, "demo-offline")
	if err != nil {
		t.Fatalf("expected upserted assessment, got %v", err)
	}
	if record.EvaluationType != legacy.InitialAssessment {
		t.Fatalf("expected default evaluation type, got %q", record.EvaluationType)
	}
}

func TestMemoryStoreOwnerScoping(t *testing.T) {
	store := NewMemoryStore()
	alice := WithOwner(context.Background(), "alice")
	bob := WithOwner(context.Background(), "bob")

	record, err := store.CreateAssessment(alice, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.GetAssessment(bob, record.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other owner to get not found, got %v", err)
	}
	if err := store.SaveStep(bob, record.ID, "goals", json.RawMessage(`{"goals":[]}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other owner save to fail, got %v", err)
	}
	if err := store.SetStatus(bob, record.ID, StatusComplete); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other owner status change to fail, got %v", err)
	}
	if err := store.SetStatus(alice, record.ID, StatusComplete); err != nil {
		t.Fatalf("owner status change failed: %v", err)
	}
	if err := store.SetStatus(alice, record.ID, Status("archived")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid status to fail, got %v", err)
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	store, err := BuildStoreFromDSN("memory://", "", nil)
	if err != nil {
		t.Fatalf("build memory store failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	pg, err := BuildStoreFromDSN("postgres://localhost/aria?sslmode=disable", "", nil)
	if err != nil {
		t.Fatalf("expected postgres store to build lazily, got %v", err)
	}
	if _, ok := pg.(*PostgresStore); !ok {
		t.Fatalf("expected postgres store, got %T", pg)
	}
	remote, err := BuildStoreFromDSN("https://store.example.test", "tok", nil)
	if err != nil {
		t.Fatalf("build http store failed: %v", err)
	}
	if _, ok := remote.(*HTTPClient); !ok {
		t.Fatalf("expected http client, got %T", remote)
	}
	if _, err := BuildStoreFromDSN("sqlite:///tmp/x.db", "", nil); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for sqlite, got %v", err)
	}
	if _, err := BuildStoreFromDSN("", "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}
