package stepstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresAssessmentTableName = "aria_assessments"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per assessment with every step in a JSONB
// column. A step save rewrites only that step's key.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresAssessmentTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) CreateAssessment(ctx context.Context, evaluationType string) (Assessment, error) {
	if err := s.ensureReady(); err != nil {
		return Assessment{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	record := Assessment{
		ID:             uuid.NewString(),
		OwnerID:        OwnerFromContext(ctx),
		EvaluationType: normalizeEvaluationType(evaluationType),
		Status:         StatusDraft,
		Data:           map[string]json.RawMessage{},
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, evaluation_type, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}'::jsonb, NOW(), NOW())
		RETURNING created_at, updated_at`, postgresQuoteIdentifier(s.tableName))
	err := s.db.QueryRowContext(ctx, query, record.ID, record.OwnerID, record.EvaluationType, string(record.Status)).
		Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return Assessment{}, fmt.Errorf("create assessment: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) GetAssessment(ctx context.Context, assessmentID string) (Assessment, error) {
	if err := s.ensureReady(); err != nil {
		return Assessment{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, owner_id, evaluation_type, status, data::text, created_at, updated_at
		FROM %s WHERE id = $1`, postgresQuoteIdentifier(s.tableName))
	var (
		record  Assessment
		status  string
		payload string
	)
	err := s.db.QueryRowContext(ctx, query, assessmentID).Scan(
		&record.ID, &record.OwnerID, &record.EvaluationType, &status, &payload, &record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Assessment{}, ErrNotFound
	}
	if err != nil {
		return Assessment{}, fmt.Errorf("get assessment: %w", err)
	}
	if !ownerAllowed(ctx, record.OwnerID) {
		return Assessment{}, ErrNotFound
	}
	record.Status = Status(status)
	record.Data = map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(payload), &record.Data); err != nil {
		return Assessment{}, fmt.Errorf("decode assessment data: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) GetStepData(ctx context.Context, assessmentID, stepKey string) (json.RawMessage, error) {
	if strings.TrimSpace(assessmentID) == "" || strings.TrimSpace(stepKey) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT owner_id, (data -> $2::text)::text FROM %s WHERE id = $1`, postgresQuoteIdentifier(s.tableName))
	var (
		owner   string
		payload sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, assessmentID, stepKey).Scan(&owner, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step data: %w", err)
	}
	if !ownerAllowed(ctx, owner) {
		return nil, ErrNotFound
	}
	if !payload.Valid || isEmptyPayload(json.RawMessage(payload.String)) {
		return nil, nil
	}
	return json.RawMessage(payload.String), nil
}

// SaveStep upserts the assessment row and replaces one step key. A row owned
// by another owner is left untouched and reported as not found.
func (s *PostgresStore) SaveStep(ctx context.Context, assessmentID, stepKey string, data json.RawMessage) error {
	if err := validateStepWrite(assessmentID, stepKey, data); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %[1]s AS a (id, owner_id, evaluation_type, status, data, created_at, updated_at)
		VALUES ($1, $4, $5, $6, jsonb_build_object($2::text, $3::jsonb), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			data = a.data || jsonb_build_object($2::text, $3::jsonb),
			status = CASE WHEN a.status = $7 THEN $6 ELSE a.status END,
			updated_at = NOW()
		WHERE $4 = '' OR a.owner_id = '' OR a.owner_id = $4`, table)
	res, err := s.db.ExecContext(ctx, query,
		assessmentID, stepKey, string(data), OwnerFromContext(ctx),
		normalizeEvaluationType(""), string(StatusInProgress), string(StatusDraft),
	)
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, assessmentID string, status Status) error {
	if !status.Valid() {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = NOW()
		WHERE id = $1 AND ($3 = '' OR owner_id = '' OR owner_id = $3)`, postgresQuoteIdentifier(s.tableName))
	res, err := s.db.ExecContext(ctx, query, assessmentID, string(status), OwnerFromContext(ctx))
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL DEFAULT '',
				evaluation_type TEXT NOT NULL,
				status TEXT NOT NULL,
				data JSONB NOT NULL DEFAULT '{}'::jsonb,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
