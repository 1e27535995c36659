package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/medvault/custody/pkg/types"
)

// Mode describes how a proposed section was applied
type Mode string

const (
	ModeAppend   Mode = "append"
	ModeReplace  Mode = "replace"
	ModeRejected Mode = "rejected"
)

// SectionOutcome reports what happened to one proposed section
type SectionOutcome struct {
	Section    string `json:"section"`
	Mode       Mode   `json:"mode"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
	Dropped    int    `json:"dropped"`
	Err        error  `json:"-"`
}

// Report summarises a merge. Outcomes are ordered by section name.
type Report struct {
	Outcomes []SectionOutcome `json:"outcomes"`
}

// Rejected returns the sections that could not be applied at all
func (r *Report) Rejected() map[string]error {
	out := make(map[string]error)
	for _, o := range r.Outcomes {
		if o.Mode == ModeRejected {
			out[o.Section] = o.Err
		}
	}
	return out
}

// Changed reports whether the merge altered the record
func (r *Report) Changed() bool {
	for _, o := range r.Outcomes {
		if o.Mode == ModeReplace || (o.Mode == ModeAppend && o.Accepted > 0) {
			return true
		}
	}
	return false
}

// Merge combines proposed section updates into existing and returns the new
// record. existing is never modified.
//
// A list section already present in existing is appended to: entries failing
// the section's shape predicate are dropped, and entries whose identity key
// matches an existing or earlier accepted entry are skipped. Any other known
// section is replaced wholesale. Unknown section names are rejected without
// affecting their siblings.
func Merge(existing *types.Record, proposed types.ProposedUpdates) (*types.Record, *Report) {
	merged := existing.Clone()
	report := &Report{Outcomes: make([]SectionOutcome, 0, len(proposed))}

	names := make([]string, 0, len(proposed))
	for name := range proposed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		report.Outcomes = append(report.Outcomes, mergeSection(merged, name, proposed[name]))
	}

	return merged, report
}

func mergeSection(merged *types.Record, name string, raw json.RawMessage) SectionOutcome {
	outcome := SectionOutcome{Section: name}

	section, err := types.ParseSection(name)
	if err != nil {
		outcome.Mode = ModeRejected
		outcome.Err = err
		return outcome
	}

	if section.Kind() == types.KindDocument {
		var doc types.Entry
		if err := decodeStrict(raw, &doc); err != nil || doc == nil {
			return rejectShape(outcome, fmt.Sprintf("section %s must be an object", name))
		}
		merged.Documents[section] = doc
		outcome.Mode = ModeReplace
		outcome.Accepted = 1
		return outcome
	}

	var items []json.RawMessage
	if err := decodeStrict(raw, &items); err != nil || items == nil {
		return rejectShape(outcome, fmt.Sprintf("section %s must be a list", name))
	}

	if !merged.Has(section) {
		entries := make([]types.Entry, 0, len(items))
		for _, item := range items {
			entry, ok := validEntry(section, item)
			if !ok {
				outcome.Dropped++
				continue
			}
			entries = append(entries, entry)
		}
		merged.Lists[section] = entries
		outcome.Mode = ModeReplace
		outcome.Accepted = len(entries)
		return outcome
	}

	current := merged.Lists[section]
	seen := make(map[string]bool, len(current)+len(items))
	for _, e := range current {
		seen[IdentityKey(section, e)] = true
	}

	for _, item := range items {
		entry, ok := validEntry(section, item)
		if !ok {
			outcome.Dropped++
			continue
		}
		key := IdentityKey(section, entry)
		if seen[key] {
			outcome.Duplicates++
			continue
		}
		seen[key] = true
		current = append(current, entry)
		outcome.Accepted++
	}

	merged.Lists[section] = current
	outcome.Mode = ModeAppend
	return outcome
}

func rejectShape(outcome SectionOutcome, message string) SectionOutcome {
	outcome.Mode = ModeRejected
	outcome.Err = types.NewValidationError(types.ErrCodeMalformedEntry, message, map[string]interface{}{"section": outcome.Section})
	return outcome
}

// validEntry decodes one proposed entry and applies the section's shape
// predicate: it must be an object carrying every identity field with a
// non-empty scalar value.
func validEntry(section types.Section, raw json.RawMessage) (types.Entry, bool) {
	var entry types.Entry
	if err := decodeStrict(raw, &entry); err != nil || entry == nil {
		return nil, false
	}

	for _, field := range section.IdentityFields() {
		switch v := entry[field].(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, false
			}
		case float64, bool:
		default:
			return nil, false
		}
	}
	return entry, true
}

// IdentityKey returns the deduplication key of an entry in a list section
func IdentityKey(section types.Section, entry types.Entry) string {
	fields := section.IdentityFields()
	values := make([]interface{}, len(fields))
	for i, field := range fields {
		values[i] = entry[field]
	}
	key, _ := json.Marshal(values)
	return string(key)
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty value")
	}
	return json.Unmarshal(raw, v)
}
