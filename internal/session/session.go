// Package session resolves and holds the active assessment for one
// navigation session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/ariaaba/ariasync/internal/legacy"
	"github.com/ariaaba/ariasync/internal/safestore"
	"github.com/ariaaba/ariasync/internal/steps"
	"github.com/ariaaba/ariasync/internal/stepstore"
	"github.com/ariaaba/ariasync/internal/stepsync"
)

const (
	QueryParam  = "assessmentId"
	pathSegment = "assessment"
)

var ErrNotReady = errors.New("session not ready")

type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
)

// Source records where the active identifier came from.
type Source string

const (
	SourceNone    Source = ""
	SourceURL     Source = "url"
	SourceStorage Source = "storage"
	SourceCreated Source = "created"
	SourceLoaded  Source = "loaded"
)

type Options struct {
	Remote    stepstore.Store
	Storage   *safestore.Storage
	Navigator Navigator
	Logger    *slog.Logger
}

type Session struct {
	remote  stepstore.Store
	storage *safestore.Storage
	nav     Navigator
	logger  *slog.Logger

	mu             sync.RWMutex
	assessmentID   string
	evaluationType string
	state          State
	source         Source
}

func New(opts Options) (*Session, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote store is required", stepstore.ErrInvalidInput)
	}
	if opts.Navigator == nil {
		opts.Navigator = &URLNavigator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	evaluationType := legacy.NormalizeEvaluationType(opts.Storage.GetString(legacy.EvaluationTypeKey, ""))
	return &Session{
		remote:         opts.Remote,
		storage:        opts.Storage,
		nav:            opts.Navigator,
		logger:         opts.Logger,
		evaluationType: evaluationType,
		state:          StateLoading,
	}, nil
}

// Init resolves the active assessment: the URL first, then the identifier
// stored by a prior navigation, and finally a newly created remote
// assessment. On failure the session stays in StateLoading.
func (s *Session) Init(ctx context.Context) error {
	if id := idFromURL(s.nav.Current()); id != "" {
		if legacy.IsValidAssessmentID(id) {
			s.adopt(id, SourceURL, false)
			return nil
		}
		s.logger.Warn("ignoring invalid assessment id in url", "assessment_id", id)
	}

	if id := strings.TrimSpace(s.storage.GetString(legacy.AssessmentIDKey, "")); id != "" {
		if legacy.IsValidAssessmentID(id) {
			s.adopt(id, SourceStorage, true)
			return nil
		}
		s.storage.RemoveItem(legacy.AssessmentIDKey)
	}

	record, err := s.remote.CreateAssessment(ctx, s.EvaluationType())
	if err != nil {
		s.logger.Error("could not resolve or create an assessment", "error", err)
		return fmt.Errorf("create assessment: %w", err)
	}
	s.adopt(record.ID, SourceCreated, true)
	s.logger.Info("created assessment", "assessment_id", record.ID, "evaluation_type", record.EvaluationType)
	return nil
}

// LoadAssessment makes id the active assessment and rewrites the URL.
func (s *Session) LoadAssessment(id string) error {
	id = strings.TrimSpace(id)
	if !legacy.IsValidAssessmentID(id) {
		return fmt.Errorf("%w: invalid assessment id %q", stepstore.ErrInvalidInput, id)
	}
	s.adopt(id, SourceLoaded, true)
	return nil
}

// SavePatch writes one step directly to the remote store, bypassing any
// synchronizer.
func (s *Session) SavePatch(ctx context.Context, stepKey string, data any) error {
	id := s.AssessmentID()
	if id == "" {
		return ErrNotReady
	}
	raw, ok := data.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", stepKey, err)
		}
		raw = encoded
	}
	if err := s.remote.SaveStep(ctx, id, stepKey, raw); err != nil {
		s.logger.Warn("step patch failed", "assessment_id", id, "step_key", stepKey, "error", err)
		return err
	}
	return nil
}

// SetEvaluationType normalizes t, holds it and persists it.
func (s *Session) SetEvaluationType(t string) string {
	normalized := legacy.NormalizeEvaluationType(t)
	s.mu.Lock()
	s.evaluationType = normalized
	s.mu.Unlock()
	s.storage.SetString(legacy.EvaluationTypeKey, normalized)
	return normalized
}

func (s *Session) AssessmentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assessmentID
}

func (s *Session) EvaluationType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluationType
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Source() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

func (s *Session) Remote() stepstore.Store {
	return s.remote
}

func (s *Session) Storage() *safestore.Storage {
	return s.storage
}

func (s *Session) Navigator() Navigator {
	return s.nav
}

func (s *Session) adopt(id string, source Source, rewrite bool) {
	s.mu.Lock()
	s.assessmentID = id
	s.source = source
	s.state = StateReady
	s.mu.Unlock()

	s.storage.SetString(legacy.AssessmentIDKey, id)
	if rewrite {
		s.nav.Replace(withAssessmentID(s.nav.Current(), id))
	}
	s.logger.Debug("assessment resolved", "assessment_id", id, "source", string(source))
}

// NewSynchronizer builds a step synchronizer bound to the session's
// assessment. Unset options are filled from the session; legacy keys default
// to the step's registered legacy key.
func NewSynchronizer[T any](s *Session, opts stepsync.Options[T]) (*stepsync.Synchronizer[T], error) {
	if opts.AssessmentID == "" {
		opts.AssessmentID = s.AssessmentID()
	}
	if opts.Remote == nil {
		opts.Remote = s.remote
	}
	if opts.Cache == nil {
		opts.Cache = s.storage
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	if opts.LegacyKeys == nil {
		opts.LegacyKeys = steps.LegacyKeys(steps.Key(opts.StepKey))
	}
	return stepsync.New(opts)
}

func idFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if id := strings.TrimSpace(u.Query().Get(QueryParam)); id != "" {
		return id
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == pathSegment {
			if id, err := url.PathUnescape(parts[i+1]); err == nil {
				return strings.TrimSpace(id)
			}
		}
	}
	return ""
}

// withAssessmentID returns a copy of u carrying id. A /assessment/{id} path
// keeps that shape; anything else gets the query parameter.
func withAssessmentID(u *url.URL, id string) *url.URL {
	out := &url.URL{Path: "/"}
	if u != nil {
		clone := *u
		out = &clone
	}
	parts := strings.Split(strings.Trim(out.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == pathSegment {
			parts[i+1] = url.PathEscape(id)
			out.Path = "/" + strings.Join(parts, "/")
			out.RawPath = ""
			return out
		}
	}
	q := out.Query()
	q.Set(QueryParam, id)
	out.RawQuery = q.Encode()
	return out
}
