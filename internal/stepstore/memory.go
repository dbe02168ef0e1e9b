package stepstore

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu          sync.Mutex
	assessments map[string]*Assessment
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: map[string]*Assessment{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateAssessment(ctx context.Context, evaluationType string) (Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	record := &Assessment{
		ID:             uuid.NewString(),
		OwnerID:        OwnerFromContext(ctx),
		EvaluationType: normalizeEvaluationType(evaluationType),
		Status:         StatusDraft,
		Data:           map[string]json.RawMessage{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.assessments[record.ID] = record
	return cloneAssessment(record), nil
}

func (s *MemoryStore) GetAssessment(ctx context.Context, assessmentID string) (Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.assessments[strings.TrimSpace(assessmentID)]
	if !ok || !ownerAllowed(ctx, record.OwnerID) {
		return Assessment{}, ErrNotFound
	}
	return cloneAssessment(record), nil
}

func (s *MemoryStore) GetStepData(ctx context.Context, assessmentID, stepKey string) (json.RawMessage, error) {
	if strings.TrimSpace(assessmentID) == "" || strings.TrimSpace(stepKey) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.assessments[assessmentID]
	if !ok {
		return nil, nil
	}
	if !ownerAllowed(ctx, record.OwnerID) {
		return nil, ErrNotFound
	}
	data, ok := record.Data[stepKey]
	if !ok || isEmptyPayload(data) {
		return nil, nil
	}
	return bytes.Clone(data), nil
}

// SaveStep overwrites one step. An assessment that does not exist yet is
// created on first write.
func (s *MemoryStore) SaveStep(ctx context.Context, assessmentID, stepKey string, data json.RawMessage) error {
	if err := validateStepWrite(assessmentID, stepKey, data); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	record, ok := s.assessments[assessmentID]
	if !ok {
		record = &Assessment{
			ID:             assessmentID,
			OwnerID:        OwnerFromContext(ctx),
			EvaluationType: normalizeEvaluationType(""),
			Status:         StatusDraft,
			Data:           map[string]json.RawMessage{},
			CreatedAt:      now,
		}
		s.assessments[assessmentID] = record
	} else if !ownerAllowed(ctx, record.OwnerID) {
		return ErrNotFound
	}
	record.Data[stepKey] = bytes.Clone(data)
	if record.Status == StatusDraft {
		record.Status = StatusInProgress
	}
	record.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, assessmentID string, status Status) error {
	if !status.Valid() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.assessments[assessmentID]
	if !ok || !ownerAllowed(ctx, record.OwnerID) {
		return ErrNotFound
	}
	record.Status = status
	record.UpdatedAt = s.now()
	return nil
}

func cloneAssessment(record *Assessment) Assessment {
	out := *record
	out.Data = make(map[string]json.RawMessage, len(record.Data))
	for k, v := range record.Data {
		out.Data[k] = bytes.Clone(v)
	}
	return out
}
