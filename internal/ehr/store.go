package ehr

import (
	"context"
	"encoding/json"

	"github.com/medvault/custody/pkg/types"
)

// Revision is what gets written alongside a record: the sealed copy for the
// patient and where it was archived.
type Revision struct {
	Envelope      *types.Envelope
	ArchiveBlobID string
	UpdatedBy     string
}

// Records loads and persists whole patient records
type Records interface {
	// Load returns the patient's record. A patient without a stored record
	// gets a fresh one with every list section empty.
	Load(ctx context.Context, vaultID string) (*types.Record, error)
	// Persist replaces the stored record in a single write
	Persist(ctx context.Context, vaultID string, record *types.Record, rev *Revision) error
}

// Store is a Records that can also serialise all work on one patient
type Store interface {
	Records
	// WithPatientLock runs fn while holding the patient's exclusive lock.
	// Reads and writes made through the Records passed to fn happen inside
	// that exclusive section.
	WithPatientLock(ctx context.Context, vaultID string, fn func(ctx context.Context, records Records) error) error
}

// Append adds entry to the named section. Names outside the fixed
// enumeration fail with ErrUnknownSection and leave the record untouched. A
// list section ignores an entry equal to one it already holds; a document
// section is replaced by the entry.
func Append(record *types.Record, sectionName string, entry types.Entry) error {
	section, err := types.ParseSection(sectionName)
	if err != nil {
		return err
	}

	if section.Kind() == types.KindDocument {
		record.Documents[section] = entry.Clone()
		return nil
	}

	for _, existing := range record.Lists[section] {
		if sameEntry(existing, entry) {
			return nil
		}
	}
	record.Lists[section] = append(record.Lists[section], entry.Clone())
	return nil
}

// Filter returns a copy of record holding only the permitted sections that
// exist in it. Unknown and unpermitted names are silently left out.
func Filter(record *types.Record, permitted []string) *types.Record {
	out := &types.Record{
		VaultID:   record.VaultID,
		Lists:     make(map[types.Section][]types.Entry),
		Documents: make(map[types.Section]types.Entry),
		UpdatedAt: record.UpdatedAt,
	}

	for _, name := range permitted {
		section, err := types.ParseSection(name)
		if err != nil {
			continue
		}
		if entries, ok := record.Lists[section]; ok {
			copied := make([]types.Entry, len(entries))
			for i, e := range entries {
				copied[i] = e.Clone()
			}
			out.Lists[section] = copied
		}
		if doc, ok := record.Documents[section]; ok {
			out.Documents[section] = doc.Clone()
		}
	}
	return out
}

// sameEntry compares entries by their canonical JSON encoding so that values
// which decode differently, such as int and float64, still compare equal.
func sameEntry(a, b types.Entry) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}
