package stepsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ariaaba/ariasync/internal/safestore"
	"github.com/ariaaba/ariasync/internal/steps"
	"github.com/ariaaba/ariasync/internal/stepstore"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that falls due, in order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

type recordingStore struct {
	*stepstore.MemoryStore
	mu       sync.Mutex
	saves    []json.RawMessage
	saveErr  error
	fetchErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: stepstore.NewMemoryStore()}
}

func (r *recordingStore) GetStepData(ctx context.Context, id, key string) (json.RawMessage, error) {
	r.mu.Lock()
	err := r.fetchErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.MemoryStore.GetStepData(ctx, id, key)
}

func (r *recordingStore) SaveStep(ctx context.Context, id, key string, data json.RawMessage) error {
	r.mu.Lock()
	r.saves = append(r.saves, append(json.RawMessage(nil), data...))
	err := r.saveErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.MemoryStore.SaveStep(ctx, id, key, data)
}

func (r *recordingStore) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGoalsSync(t *testing.T, remote stepstore.Store, cache *safestore.Storage, clock Clock, id string) *Synchronizer[steps.Goals] {
	t.Helper()
	s, err := New(Options[steps.Goals]{
		AssessmentID: id,
		StepKey:      string(steps.KeyGoals),
		Default:      steps.Goals{Goals: []string{}},
		LegacyKeys:   steps.LegacyKeys(steps.KeyGoals),
		Remote:       remote,
		Cache:        cache,
		Clock:        clock,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestDebounceCoalescesRapidEdits(t *testing.T) {
	remote := newRecordingStore()
	clock := &manualClock{}
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	s := newGoalsSync(t, remote, cache, clock, "a1")

	for _, g := range []string{"a", "ab", "abc"} {
		s.Set(steps.Goals{Goals: []string{g}})
		clock.Advance(300 * time.Millisecond)
	}
	if remote.saveCount() != 0 {
		t.Fatalf("expected no remote write inside the quiet period, got %d", remote.saveCount())
	}

	clock.Advance(DefaultDebounce)
	if remote.saveCount() != 1 {
		t.Fatalf("expected exactly one remote write, got %d", remote.saveCount())
	}
	var saved steps.Goals
	if err := json.Unmarshal(remote.saves[0], &saved); err != nil {
		t.Fatalf("decode saved payload: %v", err)
	}
	if len(saved.Goals) != 1 || saved.Goals[0] != "abc" {
		t.Fatalf("expected final value to be written, got %+v", saved)
	}
	if s.Status() != StatusSaved {
		t.Fatalf("expected saved status, got %s", s.Status())
	}

	clock.Advance(DefaultSavedHold)
	if s.Status() != StatusIdle {
		t.Fatalf("expected idle after hold, got %s", s.Status())
	}
}

func TestCacheSurvivesRemoteFailure(t *testing.T) {
	remote := newRecordingStore()
	remote.saveErr = errors.New("network down")
	clock := &manualClock{}
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	s := newGoalsSync(t, remote, cache, clock, "a1")

	s.Set(steps.Goals{Goals: []string{"reduce elopement"}})
	clock.Advance(DefaultDebounce)

	if s.Status() != StatusError {
		t.Fatalf("expected error status, got %s", s.Status())
	}
	cached := safestore.GetJSON(cache, CacheKey("a1", string(steps.KeyGoals)), steps.Goals{})
	if len(cached.Goals) != 1 || cached.Goals[0] != "reduce elopement" {
		t.Fatalf("expected edit to stay in cache, got %+v", cached)
	}
	if got := s.Value(); len(got.Goals) != 1 {
		t.Fatalf("expected in-memory value kept, got %+v", got)
	}
}

func TestLoadAdoptsRemoteOverCache(t *testing.T) {
	remote := newRecordingStore()
	ctx := context.Background()
	if err := remote.MemoryStore.SaveStep(ctx, "a1", "goals", json.RawMessage(`{"goals":["from server"]}`)); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	cache.SetJSON(CacheKey("a1", "goals"), steps.Goals{Goals: []string{"stale"}})

	s := newGoalsSync(t, remote, cache, &manualClock{}, "a1")
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Value(); len(got.Goals) != 1 || got.Goals[0] != "from server" {
		t.Fatalf("expected remote value, got %+v", got)
	}
	cached := safestore.GetJSON(cache, CacheKey("a1", "goals"), steps.Goals{})
	if len(cached.Goals) != 1 || cached.Goals[0] != "from server" {
		t.Fatalf("expected cache overwritten with remote value, got %+v", cached)
	}
	if s.Status() != StatusIdle {
		t.Fatalf("expected idle after load, got %s", s.Status())
	}
}

func TestFreshLoadWithNothingStoredYieldsDefault(t *testing.T) {
	remote := newRecordingStore()
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	s := newGoalsSync(t, remote, cache, &manualClock{}, "a1")
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Value(); got.Goals == nil || len(got.Goals) != 0 {
		t.Fatalf("expected default empty goals, got %+v", got)
	}
	if remote.saveCount() != 0 {
		t.Fatalf("expected no writes on fresh load, got %d", remote.saveCount())
	}
}

func TestLoadFailureKeepsCachedValue(t *testing.T) {
	remote := newRecordingStore()
	remote.fetchErr = errors.New("timeout")
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	cache.SetJSON(CacheKey("a1", "goals"), steps.Goals{Goals: []string{"offline edit"}})

	s := newGoalsSync(t, remote, cache, &manualClock{}, "a1")
	if err := s.Load(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if got := s.Value(); len(got.Goals) != 1 || got.Goals[0] != "offline edit" {
		t.Fatalf("expected cached value kept, got %+v", got)
	}
	if s.Status() != StatusError {
		t.Fatalf("expected error status, got %s", s.Status())
	}
}

func TestLegacyValueMigratesWithSingleWrite(t *testing.T) {
	remote := newRecordingStore()
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	legacyKey := steps.LegacyKeys(steps.KeyGoals)[0]
	cache.SetJSON(legacyKey, steps.Goals{Goals: []string{"legacy goal"}})

	s := newGoalsSync(t, remote, cache, &manualClock{}, "a1")
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if remote.saveCount() != 1 {
		t.Fatalf("expected exactly one migration write, got %d", remote.saveCount())
	}
	if cache.Has(legacyKey) {
		t.Fatal("expected legacy key removed after successful migration")
	}
	if got := s.Value(); len(got.Goals) != 1 || got.Goals[0] != "legacy goal" {
		t.Fatalf("expected legacy value adopted, got %+v", got)
	}

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if remote.saveCount() != 1 {
		t.Fatalf("expected no further writes once migrated, got %d", remote.saveCount())
	}
}

// gatedStore blocks GetStepData until release is closed.
type gatedStore struct {
	*recordingStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) GetStepData(ctx context.Context, id, key string) (json.RawMessage, error) {
	close(g.entered)
	<-g.release
	return g.recordingStore.GetStepData(ctx, id, key)
}

func TestEditDuringLegacyMigrationKeepsCache(t *testing.T) {
	remote := &gatedStore{
		recordingStore: newRecordingStore(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	clock := &manualClock{}
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	cache.SetJSON(steps.LegacyKeys(steps.KeyGoals)[0], steps.Goals{Goals: []string{"legacy"}})
	s := newGoalsSync(t, remote, cache, clock, "a1")

	done := make(chan error, 1)
	go func() { done <- s.Load(context.Background()) }()
	<-remote.entered
	s.Set(steps.Goals{Goals: []string{"user-edit"}})
	close(remote.release)
	if err := <-done; err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := s.Value(); len(got.Goals) != 1 || got.Goals[0] != "user-edit" {
		t.Fatalf("expected in-flight edit to win, got %+v", got)
	}
	cached := safestore.GetJSON(cache, CacheKey("a1", string(steps.KeyGoals)), steps.Goals{})
	if len(cached.Goals) != 1 || cached.Goals[0] != "user-edit" {
		t.Fatalf("expected cache to hold the latest edit, got %+v", cached)
	}

	clock.Advance(DefaultDebounce)
	raw, err := remote.MemoryStore.GetStepData(context.Background(), "a1", string(steps.KeyGoals))
	if err != nil {
		t.Fatalf("GetStepData: %v", err)
	}
	var saved steps.Goals
	if err := json.Unmarshal(raw, &saved); err != nil || len(saved.Goals) != 1 || saved.Goals[0] != "user-edit" {
		t.Fatalf("expected remote to end with the edit, got %s (%v)", raw, err)
	}
	cached = safestore.GetJSON(cache, CacheKey("a1", string(steps.KeyGoals)), steps.Goals{})
	if len(cached.Goals) != 1 || cached.Goals[0] != "user-edit" {
		t.Fatalf("expected cache to still hold the edit after save, got %+v", cached)
	}
}

func TestLegacyKeysKeptWhenMigrationWriteFails(t *testing.T) {
	remote := newRecordingStore()
	remote.saveErr = errors.New("unavailable")
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	legacyKey := steps.LegacyKeys(steps.KeyGoals)[0]
	cache.SetJSON(legacyKey, steps.Goals{Goals: []string{"legacy goal"}})

	s := newGoalsSync(t, remote, cache, &manualClock{}, "a1")
	if err := s.Load(context.Background()); err == nil {
		t.Fatal("expected migration error")
	}
	if !cache.Has(legacyKey) {
		t.Fatal("expected legacy key kept for a later retry")
	}
}

func TestSaveNowCancelsPendingWrite(t *testing.T) {
	remote := newRecordingStore()
	clock := &manualClock{}
	s := newGoalsSync(t, remote, safestore.New(safestore.NewMemoryBackend(), quietLogger()), clock, "a1")

	s.Set(steps.Goals{Goals: []string{"x"}})
	if !s.Pending() {
		t.Fatal("expected pending write after Set")
	}
	if err := s.SaveNow(context.Background()); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	if s.Pending() {
		t.Fatal("expected pending write cancelled")
	}
	clock.Advance(DefaultDebounce * 2)
	if remote.saveCount() != 1 {
		t.Fatalf("expected one write total, got %d", remote.saveCount())
	}
}

func TestWritesWithoutAssessmentAreDropped(t *testing.T) {
	remote := newRecordingStore()
	clock := &manualClock{}
	cache := safestore.New(safestore.NewMemoryBackend(), quietLogger())
	s := newGoalsSync(t, remote, cache, clock, "")

	s.Set(steps.Goals{Goals: []string{"x"}})
	clock.Advance(DefaultDebounce)
	if remote.saveCount() != 0 {
		t.Fatalf("expected no remote write, got %d", remote.saveCount())
	}
	if len(cache.Keys()) != 0 {
		t.Fatalf("expected nothing cached, got %v", cache.Keys())
	}
	if err := s.SaveNow(context.Background()); !errors.Is(err, ErrNoAssessment) {
		t.Fatalf("expected ErrNoAssessment, got %v", err)
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load without assessment should be a no-op, got %v", err)
	}
}

func TestBindFlushesAndReloads(t *testing.T) {
	remote := newRecordingStore()
	ctx := context.Background()
	if err := remote.MemoryStore.SaveStep(ctx, "a2", "goals", json.RawMessage(`{"goals":["second"]}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clock := &manualClock{}
	s := newGoalsSync(t, remote, safestore.New(safestore.NewMemoryBackend(), quietLogger()), clock, "a1")

	s.Set(steps.Goals{Goals: []string{"first"}})
	if err := s.Bind(ctx, "a2"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	raw, err := remote.MemoryStore.GetStepData(ctx, "a1", "goals")
	if err != nil || raw == nil {
		t.Fatalf("expected pending edit flushed to a1, got %s, %v", raw, err)
	}
	if got := s.Value(); len(got.Goals) != 1 || got.Goals[0] != "second" {
		t.Fatalf("expected a2 value, got %+v", got)
	}
	if s.AssessmentID() != "a2" {
		t.Fatalf("expected bound to a2, got %s", s.AssessmentID())
	}
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	remote := newRecordingStore()
	clock := &manualClock{}
	s := newGoalsSync(t, remote, safestore.New(safestore.NewMemoryBackend(), quietLogger()), clock, "a1")

	var statuses []Status
	s.onChange = func(st Status, _ steps.Goals) { statuses = append(statuses, st) }

	s.Update(func(g steps.Goals) steps.Goals {
		g.Goals = append(g.Goals, "closing")
		return g
	})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if remote.saveCount() != 1 {
		t.Fatalf("expected flush on close, got %d writes", remote.saveCount())
	}
	s.Set(steps.Goals{Goals: []string{"ignored"}})
	clock.Advance(DefaultDebounce)
	if remote.saveCount() != 1 {
		t.Fatalf("expected writes after close ignored, got %d", remote.saveCount())
	}
	if len(statuses) == 0 {
		t.Fatal("expected change notifications")
	}
}

func TestNewRequiresStepKeyAndRemote(t *testing.T) {
	if _, err := New(Options[steps.Goals]{Remote: stepstore.NewMemoryStore()}); err == nil {
		t.Fatal("expected error without step key")
	}
	if _, err := New(Options[steps.Goals]{StepKey: "goals"}); err == nil {
		t.Fatal("expected error without remote")
	}
}
