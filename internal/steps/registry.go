// Package steps defines the typed payload for every wizard step, the legacy
// flat storage key each one used to live under, and JSON Schema validation of
// raw payloads.
package steps

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidData = errors.New("invalid step data")

// Spec describes one step.
type Spec struct {
	Key       Key
	LegacyKey string
	New       func() Data
}

var registry = map[Key]Spec{
	KeyClientInfo:           {KeyClientInfo, "aria-client-info", func() Data { return &ClientInfo{} }},
	KeyBackground:           {KeyBackground, "aria-background", func() Data { return &Background{} }},
	KeyAssessmentInfo:       {KeyAssessmentInfo, "aria-assessment-info", func() Data { return &AssessmentInfo{} }},
	KeyDomains:              {KeyDomains, "aria-domains", func() Data { return &Domains{Domains: []Domain{}} }},
	KeyABCObservations:      {KeyABCObservations, "aria-abc-observations", func() Data { return &ABCObservations{Observations: []ABCObservation{}} }},
	KeyPreferenceAssessment: {KeyPreferenceAssessment, "aria-preference-assessment", func() Data { return &PreferenceAssessment{Items: []PreferenceItem{}} }},
	KeyGoals:                {KeyGoals, "aria-goals", func() Data { return &Goals{Goals: []string{}} }},
	KeyInterventions:        {KeyInterventions, "aria-interventions", func() Data { return &Interventions{Interventions: []Intervention{}} }},
	KeyServicePlan:          {KeyServicePlan, "aria-service-plan", func() Data { return &ServicePlan{} }},
	KeyMedicalNecessity:     {KeyMedicalNecessity, "aria-medical-necessity", func() Data { return &MedicalNecessity{} }},
	KeyFadePlan:             {KeyFadePlan, "aria-fade-plan", func() Data { return &FadePlan{Phases: []FadePhase{}} }},
	KeyCrisisPlan:           {KeyCrisisPlan, "aria-crisis-plan", func() Data { return &CrisisPlan{} }},
	KeyCoordination:         {KeyCoordination, "aria-coordination", func() Data { return &Coordination{Providers: []CoordinatedProvider{}} }},
	KeySignatures:           {KeySignatures, "aria-signatures", func() Data { return &Signatures{Signatures: []Signature{}} }},
}

func Lookup(key Key) (Spec, bool) {
	spec, ok := registry[key]
	return spec, ok
}

// Keys returns every registered step key in a stable order.
func Keys() []Key {
	out := make([]Key, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LegacyKeys returns the flat storage keys older versions wrote key under.
func LegacyKeys(key Key) []string {
	spec, ok := registry[key]
	if !ok || spec.LegacyKey == "" {
		return nil
	}
	return []string{spec.LegacyKey}
}

// Decode parses raw into the concrete payload type for key.
func Decode(key Key, raw json.RawMessage) (Data, error) {
	spec, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidData, key)
	}
	value := spec.New()
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return value, nil
	}
	if err := json.Unmarshal(raw, value); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	return value, nil
}

//go:embed schemas/*.json
var schemaFS embed.FS

var compiled struct {
	once    sync.Once
	schemas map[Key]*jsonschema.Schema
	err     error
}

func compileSchemas() (map[Key]*jsonschema.Schema, error) {
	compiled.once.Do(func() {
		out := map[Key]*jsonschema.Schema{}
		c := jsonschema.NewCompiler()
		for key := range registry {
			name := string(key) + ".json"
			data, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				compiled.err = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				compiled.err = fmt.Errorf("unmarshal schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(name, doc); err != nil {
				compiled.err = fmt.Errorf("add schema resource %s: %w", name, err)
				return
			}
		}
		for key := range registry {
			schema, err := c.Compile(string(key) + ".json")
			if err != nil {
				compiled.err = fmt.Errorf("compile schema %s: %w", key, err)
				return
			}
			out[key] = schema
		}
		compiled.schemas = out
	})
	return compiled.schemas, compiled.err
}

// Validate checks raw against the schema registered for key. Steps without a
// registered schema only need to be well-formed JSON.
func Validate(key Key, raw json.RawMessage) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[key]
	if !ok {
		return nil
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	return nil
}
