package legacy

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

const (
	InitialAssessment = "Initial Assessment"
	Reassessment      = "Reassessment"
)

var reassessmentAliases = map[string]struct{}{
	"reassessment":         {},
	"reassess":             {},
	"reeval":               {},
	"reevaluation":         {},
	"progress":             {},
	"progressreport":       {},
	"progressassessment":   {},
	"followup":             {},
	"followupassessment":   {},
	"updatedassessment":    {},
	"annualreassessment":   {},
	"reauthorization":      {},
	"reauthassessment":     {},
	"treatmentplanupdate":  {},
	"reassessmentreport":   {},
	"reassessmentprogress": {},
}

// NormalizeEvaluationType maps any historical spelling of an evaluation type
// to one of the two canonical values. Unknown and empty input is treated as
// an initial assessment. The mapping is idempotent.
func NormalizeEvaluationType(raw string) string {
	key := strings.TrimSpace(raw)
	key = strings.Trim(key, `"'`)
	key = strings.ToLower(key)
	key = strings.NewReplacer("-", "", "_", "", ".", "", " ", "", "\t", "").Replace(key)
	if _, ok := reassessmentAliases[key]; ok {
		return Reassessment
	}
	if strings.HasPrefix(key, "reassess") || strings.HasPrefix(key, "reeval") {
		return Reassessment
	}
	return InitialAssessment
}

// IsValidAssessmentID reports whether id has the shape of a UUID or carries
// the demo- prefix.
func IsValidAssessmentID(id string) bool {
	if strings.HasPrefix(id, "demo-") && len(id) > len("demo-") {
		return true
	}
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// CleanAssessmentID sanitizes a stored assessment identifier. It returns the
// value to keep and whether anything should be kept at all. An object with an
// id field collapses to that id; any other JSON-shaped value is dropped, as is
// a bare string that is neither UUID-shaped nor demo- prefixed.
func CleanAssessmentID(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "", "{}", "[]", "null", "undefined":
		return "", false
	}
	switch trimmed[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return "", false
		}
		id, ok := obj["id"].(string)
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return "", false
		}
		return id, true
	case '[':
		return "", false
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return "", false
		}
		trimmed = strings.TrimSpace(s)
	}
	if !IsValidAssessmentID(trimmed) {
		return "", false
	}
	return trimmed, true
}
