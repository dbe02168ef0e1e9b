package legacy

import "testing"

func TestNormalizeEvaluationTypeVariants(t *testing.T) {
	cases := map[string]string{
		"Initial Assessment":  InitialAssessment,
		"initial assessment":  InitialAssessment,
		"  INITIAL  ":         InitialAssessment,
		"initial":             InitialAssessment,
		"new":                 InitialAssessment,
		"":                    InitialAssessment,
		"Reassessment":        Reassessment,
		"reassessment ":       Reassessment,
		"Re-Assessment":       Reassessment,
		"re assessment":       Reassessment,
		"RE_EVALUATION":       Reassessment,
		"re-eval":             Reassessment,
		"progress report":     Reassessment,
		"Follow-up":           Reassessment,
		`"Reassessment"`:      Reassessment,
		"reassessment (6mo)":  Reassessment,
		"something unrelated": InitialAssessment,
	}
	for input, want := range cases {
		got := NormalizeEvaluationType(input)
		if got != want {
			t.Fatalf("normalize(%q): expected %q, got %q", input, want, got)
		}
		if again := NormalizeEvaluationType(got); again != got {
			t.Fatalf("normalize is not idempotent for %q: %q then %q", input, got, again)
		}
	}
}

func TestCleanAssessmentID(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		keep bool
	}{
		{raw: "{}", keep: false},
		{raw: "null", keep: false},
		{raw: `{"id":"abc-123"}`, want: "abc-123", keep: true},
		{raw: "not-a-uuid", keep: false},
		{raw: "[1,2]", keep: false},
		{raw: `{"name":"x"}`, keep: false},
		{raw: "{broken", keep: false},
		{raw: "3f2b8c1e-7d4a-4e2b-9c1a-0b5e6f7a8d9c", want: "3f2b8c1e-7d4a-4e2b-9c1a-0b5e6f7a8d9c", keep: true},
		{raw: " 3F2B8C1E-7D4A-4E2B-9C1A-0B5E6F7A8D9C ", want: "3F2B8C1E-7D4A-4E2B-9C1A-0B5E6F7A8D9C", keep: true},
		{raw: "demo-clinic", want: "demo-clinic", keep: true},
		{raw: `"demo-quoted"`, want: "demo-quoted", keep: true},
		{raw: "3f2b8c1e7d4a4e2b9c1a0b5e6f7a8d9c", keep: false},
	}
	for _, tc := range cases {
		got, keep := CleanAssessmentID(tc.raw)
		if keep != tc.keep || got != tc.want {
			t.Fatalf("clean(%q): expected (%q, %v), got (%q, %v)", tc.raw, tc.want, tc.keep, got, keep)
		}
	}
}

func TestIsValidAssessmentID(t *testing.T) {
	if !IsValidAssessmentID("demo-1") {
		t.Fatalf("expected demo- prefixed id to be valid")
	}
	if IsValidAssessmentID("demo-") {
		t.Fatalf("expected bare demo- prefix to be invalid")
	}
	if IsValidAssessmentID("urn:uuid:3f2b8c1e-7d4a-4e2b-9c1a-0b5e6f7a8d9c") {
		t.Fatalf("expected urn form to be rejected")
	}
}
