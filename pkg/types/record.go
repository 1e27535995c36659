package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Section names one fixed category of a patient's health record
type Section string

const (
	SectionMedicalHistory         Section = "MedicalHistory"
	SectionAllergyData            Section = "AllergyData"
	SectionCoreVitalSigns         Section = "CoreVitalSigns"
	SectionImmunizationRecords    Section = "ImmunizationRecords"
	SectionLaboratoryTestResults  Section = "LaboratoryTestResults"
	SectionMedicationHistory      Section = "MedicationHistory"
	SectionRadiologyReports       Section = "RadiologyReports"
	SectionHealthIssues           Section = "HealthIssues"
	SectionTreatmentProgressNotes Section = "TreatmentProgressNotes"
	SectionDemographics           Section = "Demographics"
)

// SectionKind tells whether a section holds an ordered list of entries or a
// single document.
type SectionKind int

const (
	KindList SectionKind = iota
	KindDocument
)

type sectionShape struct {
	kind     SectionKind
	identity []string
}

// sectionShapes declares the entry shape of every known section. List
// sections carry the fields that identify an entry for deduplication.
var sectionShapes = map[Section]sectionShape{
	SectionMedicalHistory:         {KindList, []string{"date", "condition"}},
	SectionAllergyData:            {KindList, []string{"date", "allergen"}},
	SectionCoreVitalSigns:         {KindList, []string{"recorded_at"}},
	SectionImmunizationRecords:    {KindList, []string{"date", "vaccine"}},
	SectionLaboratoryTestResults:  {KindList, []string{"date", "test"}},
	SectionMedicationHistory:      {KindList, []string{"date", "medication"}},
	SectionRadiologyReports:       {KindList, []string{"date", "study"}},
	SectionHealthIssues:           {KindList, []string{"date", "issue"}},
	SectionTreatmentProgressNotes: {KindList, []string{"date", "doctors_notes"}},
	SectionDemographics:           {KindDocument, nil},
}

var sectionOrder = []Section{
	SectionTreatmentProgressNotes,
	SectionMedicalHistory,
	SectionMedicationHistory,
	SectionAllergyData,
	SectionCoreVitalSigns,
	SectionHealthIssues,
	SectionImmunizationRecords,
	SectionLaboratoryTestResults,
	SectionRadiologyReports,
	SectionDemographics,
}

// AllSections returns the fixed enumeration in a stable order
func AllSections() []Section {
	out := make([]Section, len(sectionOrder))
	copy(out, sectionOrder)
	return out
}

// ParseSection validates a section name against the fixed enumeration
func ParseSection(name string) (Section, error) {
	s := Section(name)
	if _, ok := sectionShapes[s]; !ok {
		return "", NewUnknownSectionError(name)
	}
	return s, nil
}

// ParseSections validates every name, failing on the first unknown one
func ParseSections(names []string) ([]Section, error) {
	out := make([]Section, 0, len(names))
	seen := make(map[Section]bool, len(names))
	for _, name := range names {
		s, err := ParseSection(name)
		if err != nil {
			return nil, err
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// Kind returns the declared kind of the section
func (s Section) Kind() SectionKind {
	return sectionShapes[s].kind
}

// IdentityFields returns the fields that identify an entry in a list section
func (s Section) IdentityFields() []string {
	return sectionShapes[s].identity
}

// Entry is one structured item of a section
type Entry map[string]interface{}

// Record is a patient's structured health record
type Record struct {
	VaultID   string
	Lists     map[Section][]Entry
	Documents map[Section]Entry
	UpdatedAt time.Time
}

// NewRecord returns a record with every list section initialised empty
func NewRecord(vaultID string) *Record {
	r := &Record{
		VaultID:   vaultID,
		Lists:     make(map[Section][]Entry),
		Documents: make(map[Section]Entry),
	}
	for _, s := range sectionOrder {
		if s.Kind() == KindList {
			r.Lists[s] = []Entry{}
		}
	}
	return r
}

// Has reports whether the record holds a value for the section
func (r *Record) Has(s Section) bool {
	if s.Kind() == KindList {
		_, ok := r.Lists[s]
		return ok
	}
	_, ok := r.Documents[s]
	return ok
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	out := &Record{
		VaultID:   r.VaultID,
		Lists:     make(map[Section][]Entry, len(r.Lists)),
		Documents: make(map[Section]Entry, len(r.Documents)),
		UpdatedAt: r.UpdatedAt,
	}
	for s, entries := range r.Lists {
		copied := make([]Entry, len(entries))
		for i, e := range entries {
			copied[i] = e.Clone()
		}
		out.Lists[s] = copied
	}
	for s, doc := range r.Documents {
		out.Documents[s] = doc.Clone()
	}
	return out
}

// Clone returns a deep copy of the entry
func (e Entry) Clone() Entry {
	if e == nil {
		return nil
	}
	return deepCopy(map[string]interface{}(e)).(map[string]interface{})
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case Entry:
		return Entry(deepCopy(map[string]interface{}(t)).(map[string]interface{}))
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	default:
		return v
	}
}

// MarshalJSON writes the record as one field per section
func (r *Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]interface{}, len(r.Lists)+len(r.Documents))
	for s, entries := range r.Lists {
		doc[string(s)] = entries
	}
	for s, d := range r.Documents {
		doc[string(s)] = d
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads a one-field-per-section document. Unknown section names
// are rejected rather than silently kept.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}

	r.Lists = make(map[Section][]Entry)
	r.Documents = make(map[Section]Entry)
	for name, value := range raw {
		s, err := ParseSection(name)
		if err != nil {
			return err
		}
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			continue
		}
		if s.Kind() == KindList {
			var entries []Entry
			if err := json.Unmarshal(value, &entries); err != nil {
				return fmt.Errorf("section %s is not a list: %w", name, err)
			}
			if entries == nil {
				entries = []Entry{}
			}
			r.Lists[s] = entries
			continue
		}
		var doc Entry
		if err := json.Unmarshal(value, &doc); err != nil {
			return fmt.Errorf("section %s is not a document: %w", name, err)
		}
		r.Documents[s] = doc
	}
	return nil
}

// ProposedUpdates maps section names to the raw value a hospital submitted
type ProposedUpdates map[string]json.RawMessage
