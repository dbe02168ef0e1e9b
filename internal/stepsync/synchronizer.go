// Package stepsync keeps one wizard step's data in sync between the local
// cache and the remote step store. Reads come from the cache first and are
// then replaced by the remote value; edits are cached immediately and sent
// to the remote store after a quiet period.
package stepsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariaaba/ariasync/internal/legacy"
	ariaotel "github.com/ariaaba/ariasync/internal/otel"
	"github.com/ariaaba/ariasync/internal/safestore"
	"github.com/ariaaba/ariasync/internal/stepstore"
)

const (
	DefaultDebounce  = 1000 * time.Millisecond
	DefaultSavedHold = 2 * time.Second
)

var ErrNoAssessment = errors.New("no assessment bound")

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSaved   Status = "saved"
	StatusError   Status = "error"
)

// CacheKey is the local storage key holding one step's cached value.
func CacheKey(assessmentID, stepKey string) string {
	return legacy.StepCachePrefix + assessmentID + "_" + stepKey
}

type Options[T any] struct {
	AssessmentID string
	StepKey      string
	Default      T
	// LegacyKeys are flat local keys older versions stored this step under.
	// They are consulted, in order, only when the remote store has no value.
	LegacyKeys []string

	Remote stepstore.Store
	Cache  *safestore.Storage

	Debounce  time.Duration
	SavedHold time.Duration
	Clock     Clock
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *ariaotel.Metrics
	// OnChange is called after every value or status change, outside any
	// internal lock.
	OnChange func(Status, T)
}

type Synchronizer[T any] struct {
	stepKey    string
	def        T
	legacyKeys []string
	remote     stepstore.Store
	cache      *safestore.Storage
	debounce   time.Duration
	savedHold  time.Duration
	clock      Clock
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *ariaotel.Metrics
	onChange   func(Status, T)

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu orders remote writes from this instance.
	writeMu sync.Mutex

	mu           sync.Mutex
	assessmentID string
	value        T
	status       Status
	edits        uint64
	pending      Timer
	pendingGen   uint64
	savedTimer   Timer
	savedGen     uint64
	closed       bool
}

func New[T any](opts Options[T]) (*Synchronizer[T], error) {
	if opts.StepKey == "" {
		return nil, fmt.Errorf("%w: step key is required", stepstore.ErrInvalidInput)
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote store is required", stepstore.ErrInvalidInput)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.SavedHold <= 0 {
		opts.SavedHold = DefaultSavedHold
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer[T]{
		stepKey:      opts.StepKey,
		def:          opts.Default,
		legacyKeys:   append([]string(nil), opts.LegacyKeys...),
		remote:       opts.Remote,
		cache:        opts.Cache,
		debounce:     opts.Debounce,
		savedHold:    opts.SavedHold,
		clock:        opts.Clock,
		logger:       opts.Logger.With("step_key", opts.StepKey),
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
		onChange:     opts.OnChange,
		ctx:          ctx,
		cancel:       cancel,
		assessmentID: opts.AssessmentID,
		value:        opts.Default,
		status:       StatusIdle,
	}, nil
}

func (s *Synchronizer[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *Synchronizer[T]) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Synchronizer[T]) AssessmentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assessmentID
}

// Load adopts the cached value, then the remote value. When the remote store
// has nothing, the first legacy key holding a value is migrated into it.
// Without a bound assessment Load does nothing.
func (s *Synchronizer[T]) Load(ctx context.Context) error {
	s.mu.Lock()
	id := s.assessmentID
	if id == "" || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusLoading
	startEdits := s.edits
	if cached := safestore.LookupJSON[T](s.cache, CacheKey(id, s.stepKey)); cached.Found {
		s.value = cached.Value
	}
	s.mu.Unlock()
	s.notify()

	raw, err := s.remote.GetStepData(ctx, id, s.stepKey)
	if err != nil {
		s.logger.Warn("step load failed; keeping cached value", "assessment_id", id, "error", err)
		s.setStatus(StatusError)
		return err
	}

	if raw != nil {
		var remote T
		if err := json.Unmarshal(raw, &remote); err != nil {
			s.logger.Warn("remote step data does not decode", "assessment_id", id, "error", err)
			s.setStatus(StatusError)
			return fmt.Errorf("decode remote step %s: %w", s.stepKey, err)
		}
		s.mu.Lock()
		if s.assessmentID == id && s.edits == startEdits {
			s.value = remote
			s.cache.SetJSON(CacheKey(id, s.stepKey), remote)
		}
		s.status = StatusIdle
		s.mu.Unlock()
		s.notify()
		return nil
	}

	migrated, err := s.migrateLegacy(ctx, id, startEdits)
	if err != nil {
		s.setStatus(StatusError)
		return err
	}
	if migrated {
		s.logger.Info("migrated legacy step data", "assessment_id", id)
	}
	s.setStatus(StatusIdle)
	return nil
}

func (s *Synchronizer[T]) migrateLegacy(ctx context.Context, id string, startEdits uint64) (bool, error) {
	var (
		found bool
		value T
	)
	for _, key := range s.legacyKeys {
		res := safestore.LookupJSON[T](s.cache, key)
		if res.Found {
			found, value = true, res.Value
			break
		}
	}
	if !found {
		return false, nil
	}

	// An edit made while the load was in flight owns both the value and
	// the cache entry.
	s.mu.Lock()
	if s.edits == startEdits {
		s.value = value
		s.cache.SetJSON(CacheKey(id, s.stepKey), value)
	}
	s.mu.Unlock()

	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	s.writeMu.Lock()
	err = s.remote.SaveStep(ctx, id, s.stepKey, data)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Warn("legacy step migration not saved; legacy keys kept", "assessment_id", id, "error", err)
		return false, err
	}
	for _, key := range s.legacyKeys {
		s.cache.RemoveItem(key)
	}
	return true, nil
}

// Set replaces the value, writes it to the cache right away, and restarts
// the debounce timer for the remote write. Without a bound assessment the
// edit is kept in memory only and a warning is logged.
func (s *Synchronizer[T]) Set(value T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.value = value
	s.edits++
	id := s.assessmentID
	if id == "" {
		s.mu.Unlock()
		s.logger.Warn("dropping step write: no assessment bound")
		s.notify()
		return
	}
	s.cache.SetJSON(CacheKey(id, s.stepKey), value)
	s.scheduleLocked()
	s.mu.Unlock()
	s.notify()
}

// Update applies fn to the current value and stores the result as Set does.
func (s *Synchronizer[T]) Update(fn func(T) T) {
	s.Set(fn(s.Value()))
}

func (s *Synchronizer[T]) scheduleLocked() {
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pendingGen++
	gen := s.pendingGen
	s.pending = s.clock.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		if gen != s.pendingGen || s.closed {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.mu.Unlock()
		_ = s.save(s.ctx)
	})
}

// SaveNow cancels any pending debounced write and writes the current value
// immediately.
func (s *Synchronizer[T]) SaveNow(ctx context.Context) error {
	s.mu.Lock()
	s.cancelPendingLocked()
	id := s.assessmentID
	s.mu.Unlock()
	if id == "" {
		s.logger.Warn("dropping step save: no assessment bound")
		return ErrNoAssessment
	}
	return s.save(ctx)
}

// Pending reports whether a debounced write is waiting to fire.
func (s *Synchronizer[T]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Synchronizer[T]) cancelPendingLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.pendingGen++
}

func (s *Synchronizer[T]) save(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	id := s.assessmentID
	value := s.value
	if s.savedTimer != nil {
		s.savedTimer.Stop()
		s.savedTimer = nil
	}
	s.savedGen++
	s.status = StatusLoading
	s.mu.Unlock()
	s.notify()

	data, err := json.Marshal(value)
	if err == nil {
		err = s.remoteSave(ctx, id, data)
	}

	s.mu.Lock()
	if err != nil {
		s.status = StatusError
		s.mu.Unlock()
		s.logger.Warn("step save failed; edits kept in cache", "assessment_id", id, "error", err)
		s.notify()
		return err
	}
	s.status = StatusSaved
	gen := s.savedGen
	s.savedTimer = s.clock.AfterFunc(s.savedHold, func() {
		s.mu.Lock()
		if gen != s.savedGen || s.status != StatusSaved {
			s.mu.Unlock()
			return
		}
		s.status = StatusIdle
		s.savedTimer = nil
		s.mu.Unlock()
		s.notify()
	})
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Synchronizer[T]) remoteSave(ctx context.Context, id string, data json.RawMessage) error {
	ctx, span := ariaotel.StartClientSpan(ctx, s.tracer, "stepsync.save",
		ariaotel.AttrAssessmentID.String(id),
		ariaotel.AttrStepKey.String(s.stepKey),
	)
	defer span.End()
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("step_key", s.stepKey))

	err := s.remote.SaveStep(ctx, id, s.stepKey, data)

	if s.metrics != nil {
		s.metrics.StepSaves.Add(ctx, 1, attrs)
		s.metrics.StepSaveDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			s.metrics.StepSaveErrors.Add(ctx, 1, attrs)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Bind switches the synchronizer to another assessment. A pending write for
// the previous assessment is flushed first; the value resets to the default
// and is loaded for the new assessment.
func (s *Synchronizer[T]) Bind(ctx context.Context, assessmentID string) error {
	s.mu.Lock()
	if s.assessmentID == assessmentID {
		s.mu.Unlock()
		return nil
	}
	hadPending := s.pending != nil
	s.cancelPendingLocked()
	s.mu.Unlock()

	if hadPending {
		if err := s.save(ctx); err != nil {
			s.logger.Warn("flush before rebinding failed", "error", err)
		}
	}

	s.mu.Lock()
	s.assessmentID = assessmentID
	s.value = s.def
	s.status = StatusIdle
	s.mu.Unlock()
	s.notify()
	return s.Load(ctx)
}

// Close flushes a pending debounced write and stops all timers. Later edits
// are ignored.
func (s *Synchronizer[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	hadPending := s.pending != nil && s.assessmentID != ""
	s.cancelPendingLocked()
	s.mu.Unlock()

	var err error
	if hadPending {
		err = s.save(ctx)
	}

	s.mu.Lock()
	s.closed = true
	if s.savedTimer != nil {
		s.savedTimer.Stop()
		s.savedTimer = nil
	}
	s.mu.Unlock()
	s.cancel()
	return err
}

func (s *Synchronizer[T]) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer[T]) notify() {
	if s.onChange == nil {
		return
	}
	s.mu.Lock()
	status, value := s.status, s.value
	s.mu.Unlock()
	s.onChange(status, value)
}
