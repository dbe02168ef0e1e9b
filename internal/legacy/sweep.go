// Package legacy normalizes local data written by older versions of the
// wizard. The sweep runs at most once per session.
package legacy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ariaaba/ariasync/internal/safestore"
)

const (
	AssessmentIDKey   = "aria-current-assessment-id"
	EvaluationTypeKey = "aria-evaluation-type"
	SessionFlagKey    = "aria-legacy-migration-done"
	StepCachePrefix   = "aria_step_cache_"
)

// LegacyAssessmentIDKeys were used for the active identifier before it
// settled on AssessmentIDKey.
var LegacyAssessmentIDKeys = []string{
	"aria-assessment-id",
	"assessmentId",
	"currentAssessmentId",
	"aria_assessment_id",
}

// JSONKeys is the allow-list of flat JSON keys written by earlier versions.
var JSONKeys = []string{
	"aria-client-info",
	"aria-background",
	"aria-assessment-info",
	"aria-domains",
	"aria-abc-observations",
	"aria-preference-assessment",
	"aria-goals",
	"aria-interventions",
	"aria-service-plan",
	"aria-medical-necessity",
	"aria-fade-plan",
	"aria-crisis-plan",
	"aria-coordination",
	"aria-signatures",
	"aria-assessment-data",
}

var evaluationFields = []string{"assessmentType", "evaluationType"}

// Report summarizes what one sweep changed.
type Report struct {
	Skipped   bool
	Migrated  []string
	Rewritten []string
	Removed   []string
	Err       error
}

func (r Report) Changes() int {
	return len(r.Migrated) + len(r.Rewritten) + len(r.Removed)
}

type Sweeper struct {
	Local   *safestore.Storage
	Session *safestore.Storage
	Logger  *slog.Logger
}

// Run executes the sweep unless the session flag is already set. Failures are
// logged and recorded in the report; the flag is set regardless so a broken
// entry cannot cause the sweep to repeat.
func (s *Sweeper) Run() (report Report) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.Session.GetString(SessionFlagKey, "") != "" {
		report.Skipped = true
		return report
	}
	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("legacy sweep panic: %v", r)
		}
		if report.Err != nil {
			logger.Error("legacy migration sweep failed", "error", report.Err)
		} else if report.Changes() > 0 {
			logger.Info("legacy migration sweep applied",
				"migrated", len(report.Migrated),
				"rewritten", len(report.Rewritten),
				"removed", len(report.Removed),
			)
		}
		s.Session.SetString(SessionFlagKey, "1")
	}()

	s.migrateIDKeys(&report)
	s.cleanIDKeys(&report)
	s.normalizeEvaluationType(&report)
	s.normalizeJSONFields(&report)
	s.validateJSONKeys(&report)
	return report
}

// migrateIDKeys moves the first legacy identifier that survives cleaning into
// AssessmentIDKey. Unusable candidates are skipped so a later valid one
// still wins.
func (s *Sweeper) migrateIDKeys(report *Report) {
	have := false
	if current := s.Local.Lookup(AssessmentIDKey); current.Found {
		_, have = CleanAssessmentID(current.Value)
	}
	for _, key := range LegacyAssessmentIDKeys {
		res := s.Local.Lookup(key)
		if !res.Found {
			continue
		}
		if !have {
			if id, keep := CleanAssessmentID(res.Value); keep {
				s.Local.SetString(AssessmentIDKey, id)
				report.Migrated = append(report.Migrated, key)
				have = true
			}
		}
		s.Local.RemoveItem(key)
	}
}

func (s *Sweeper) cleanIDKeys(report *Report) {
	keys := append([]string{AssessmentIDKey}, LegacyAssessmentIDKeys...)
	for _, key := range keys {
		res := s.Local.Lookup(key)
		if !res.Found {
			continue
		}
		id, keep := CleanAssessmentID(res.Value)
		switch {
		case !keep:
			s.Local.RemoveItem(key)
			report.Removed = append(report.Removed, key)
		case id != res.Value:
			s.Local.SetString(key, id)
			report.Rewritten = append(report.Rewritten, key)
		}
	}
}

func (s *Sweeper) normalizeEvaluationType(report *Report) {
	res := s.Local.Lookup(EvaluationTypeKey)
	if res.Err != nil {
		return
	}
	if !res.Found {
		s.Local.SetString(EvaluationTypeKey, InitialAssessment)
		report.Rewritten = append(report.Rewritten, EvaluationTypeKey)
		return
	}
	canonical := NormalizeEvaluationType(res.Value)
	if canonical != res.Value {
		s.Local.SetString(EvaluationTypeKey, canonical)
		report.Rewritten = append(report.Rewritten, EvaluationTypeKey)
	}
}

func (s *Sweeper) normalizeJSONFields(report *Report) {
	for _, key := range JSONKeys {
		res := safestore.LookupJSON[any](s.Local, key)
		if isMalformed(res.Err) {
			report.Removed = append(report.Removed, key)
			continue
		}
		obj, ok := res.Value.(map[string]any)
		if res.Err != nil || !res.Found || !ok {
			continue
		}
		if normalizeFields(obj) {
			s.Local.SetJSON(key, obj)
			report.Rewritten = append(report.Rewritten, key)
		}
	}
}

// normalizeFields rewrites evaluation-type fields in obj and any nested
// objects. It reports whether anything changed.
func normalizeFields(obj map[string]any) bool {
	changed := false
	for _, field := range evaluationFields {
		value, ok := obj[field].(string)
		if !ok {
			continue
		}
		if canonical := NormalizeEvaluationType(value); canonical != value {
			obj[field] = canonical
			changed = true
		}
	}
	for _, v := range obj {
		if nested, ok := v.(map[string]any); ok && normalizeFields(nested) {
			changed = true
		}
	}
	return changed
}

func (s *Sweeper) validateJSONKeys(report *Report) {
	keys := append([]string(nil), JSONKeys...)
	for _, key := range s.Local.Keys() {
		if strings.HasPrefix(key, StepCachePrefix) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		res := safestore.LookupJSON[json.RawMessage](s.Local, key)
		if isMalformed(res.Err) {
			report.Removed = append(report.Removed, key)
		}
	}
}

func isMalformed(err error) bool {
	se, ok := err.(*safestore.StorageError)
	return ok && se.Kind == safestore.KindMalformed
}
