// Package stepstore is the remote, authoritative store of assessment step
// data. Writes are whole-step overwrites; the last write for an
// (assessment, step) pair wins.
package stepstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariaaba/ariasync/internal/legacy"
	"github.com/ariaaba/ariasync/internal/steps"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusInProgress, StatusComplete:
		return true
	}
	return false
}

type Assessment struct {
	ID             string                     `json:"id"`
	OwnerID        string                     `json:"ownerId,omitempty"`
	EvaluationType string                     `json:"evaluationType"`
	Status         Status                     `json:"status"`
	Data           map[string]json.RawMessage `json:"data"`
	CreatedAt      time.Time                  `json:"createdAt"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

// Store is what the synchronizer and session consume.
type Store interface {
	// GetStepData returns nil when nothing has been stored for the step.
	GetStepData(ctx context.Context, assessmentID, stepKey string) (json.RawMessage, error)
	SaveStep(ctx context.Context, assessmentID, stepKey string, data json.RawMessage) error
	CreateAssessment(ctx context.Context, evaluationType string) (Assessment, error)
}

// AssessmentStore adds the record-level operations served over HTTP.
type AssessmentStore interface {
	Store
	GetAssessment(ctx context.Context, assessmentID string) (Assessment, error)
	SetStatus(ctx context.Context, assessmentID string, status Status) error
}

// Event is published after a step is saved.
type Event struct {
	Type         string    `json:"type"`
	AssessmentID string    `json:"assessmentId"`
	StepKey      string    `json:"stepKey"`
	SavedAt      time.Time `json:"savedAt"`
}

const EventStepSaved = "step.saved"

type ownerKey struct{}

// WithOwner scopes store calls made with ctx to one owner. Assessments owned
// by someone else behave as if they did not exist.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, strings.TrimSpace(ownerID))
}

func OwnerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func ownerAllowed(ctx context.Context, recordOwner string) bool {
	owner := OwnerFromContext(ctx)
	return owner == "" || recordOwner == "" || owner == recordOwner
}

func validateStepWrite(assessmentID, stepKey string, data json.RawMessage) error {
	if strings.TrimSpace(assessmentID) == "" || strings.TrimSpace(stepKey) == "" {
		return ErrInvalidInput
	}
	if err := steps.Validate(steps.Key(stepKey), data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func isEmptyPayload(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))
	return trimmed == "" || trimmed == "null"
}

func normalizeEvaluationType(evaluationType string) string {
	return legacy.NormalizeEvaluationType(evaluationType)
}
