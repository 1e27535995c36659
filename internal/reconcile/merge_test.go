package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

func baseRecord() *types.Record {
	r := types.NewRecord("vault-1")
	r.Lists[types.SectionMedicationHistory] = []types.Entry{
		{"date": "2024-01-01", "medication": "X", "dose": "10mg"},
	}
	r.Lists[types.SectionAllergyData] = []types.Entry{
		{"date": "2023-05-10", "allergen": "penicillin"},
	}
	r.Documents[types.SectionDemographics] = types.Entry{"address": "Old St", "blood_group": "O+"}
	return r
}

func updates(pairs ...string) types.ProposedUpdates {
	out := types.ProposedUpdates{}
	for i := 0; i < len(pairs); i += 2 {
		out[pairs[i]] = json.RawMessage(pairs[i+1])
	}
	return out
}

func TestMerge_DuplicateEntryIsIdempotent(t *testing.T) {
	existing := baseRecord()

	merged, report := Merge(existing, updates(
		"MedicationHistory", `[{"date":"2024-01-01","medication":"X"}]`,
	))

	assert.Equal(t, existing.Lists[types.SectionMedicationHistory], merged.Lists[types.SectionMedicationHistory])
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, ModeAppend, report.Outcomes[0].Mode)
	assert.Equal(t, 1, report.Outcomes[0].Duplicates)
	assert.False(t, report.Changed())
}

func TestMerge_DocumentSectionIsReplaced(t *testing.T) {
	existing := baseRecord()

	merged, report := Merge(existing, updates("Demographics", `{"address":"New St"}`))

	assert.Equal(t, types.Entry{"address": "New St"}, merged.Documents[types.SectionDemographics])
	assert.Equal(t, ModeReplace, report.Outcomes[0].Mode)
	assert.True(t, report.Changed())
}

func TestMerge_ListSectionAppendsNetNewValidEntries(t *testing.T) {
	existing := baseRecord()

	merged, report := Merge(existing, updates("MedicationHistory", `[
		{"date":"2024-01-01","medication":"X"},
		{"date":"2024-02-01","medication":"Y"},
		{"date":"2024-03-01"},
		"not an object",
		{"date":"2024-02-01","medication":"Y","dose":"twice"},
		{"date":"2024-04-01","medication":"Z"}
	]`))

	got := merged.Lists[types.SectionMedicationHistory]
	require.Len(t, got, 3)
	assert.Equal(t, "X", got[0]["medication"])
	assert.Equal(t, "Y", got[1]["medication"])
	assert.Equal(t, "Z", got[2]["medication"])

	o := report.Outcomes[0]
	assert.Equal(t, 2, o.Accepted)
	assert.Equal(t, 2, o.Duplicates)
	assert.Equal(t, 2, o.Dropped)
}

func TestMerge_MissingListSectionIsReplaced(t *testing.T) {
	existing := baseRecord()
	delete(existing.Lists, types.SectionRadiologyReports)

	merged, report := Merge(existing, updates("RadiologyReports", `[{"date":"2024-01-02","study":"chest x-ray"},{"study":"no date"}]`))

	require.Len(t, merged.Lists[types.SectionRadiologyReports], 1)
	assert.Equal(t, ModeReplace, report.Outcomes[0].Mode)
	assert.Equal(t, 1, report.Outcomes[0].Dropped)
}

func TestMerge_UnknownSectionRejectedSiblingsApplied(t *testing.T) {
	existing := baseRecord()

	merged, report := Merge(existing, updates(
		"NotARealSection", `[{"date":"2024-01-01"}]`,
		"AllergyData", `[{"date":"2024-06-01","allergen":"latex"}]`,
	))

	rejected := report.Rejected()
	require.Contains(t, rejected, "NotARealSection")
	assert.True(t, errors.Is(rejected["NotARealSection"], types.ErrUnknownSection))
	assert.Len(t, merged.Lists[types.SectionAllergyData], 2)
}

func TestMerge_WrongShapeRejected(t *testing.T) {
	existing := baseRecord()

	merged, report := Merge(existing, updates(
		"AllergyData", `{"date":"2024-06-01","allergen":"latex"}`,
		"Demographics", `["not","an","object"]`,
	))

	rejected := report.Rejected()
	assert.True(t, errors.Is(rejected["AllergyData"], types.ErrMalformedEntry))
	assert.True(t, errors.Is(rejected["Demographics"], types.ErrMalformedEntry))
	assert.Equal(t, existing.Lists[types.SectionAllergyData], merged.Lists[types.SectionAllergyData])
	assert.Equal(t, existing.Documents[types.SectionDemographics], merged.Documents[types.SectionDemographics])
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	existing := baseRecord()
	snapshot := existing.Clone()

	merged, _ := Merge(existing, updates(
		"MedicationHistory", `[{"date":"2024-02-01","medication":"Y"}]`,
		"Demographics", `{"address":"New St"}`,
	))
	merged.Lists[types.SectionMedicationHistory][0]["dose"] = "changed"

	assert.Equal(t, snapshot, existing)
}

func TestMerge_RapidIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "n")
		entries := make([]map[string]interface{}, n)
		for i := range entries {
			entries[i] = map[string]interface{}{
				"date":       fmt.Sprintf("2024-01-%02d", rapid.IntRange(1, 5).Draw(rt, "day")),
				"medication": rapid.SampledFrom([]string{"A", "B", "C"}).Draw(rt, "med"),
			}
		}
		raw, err := json.Marshal(entries)
		if err != nil {
			rt.Fatal(err)
		}
		proposal := types.ProposedUpdates{"MedicationHistory": raw}

		once, _ := Merge(types.NewRecord("v"), proposal)
		twice, report := Merge(once, proposal)

		if len(once.Lists[types.SectionMedicationHistory]) != len(twice.Lists[types.SectionMedicationHistory]) {
			rt.Fatalf("second merge added entries")
		}
		if report.Changed() {
			rt.Fatalf("second merge reported a change")
		}

		keys := make(map[string]bool)
		for _, e := range twice.Lists[types.SectionMedicationHistory] {
			k := IdentityKey(types.SectionMedicationHistory, e)
			if keys[k] {
				rt.Fatalf("duplicate identity key %s", k)
			}
			keys[k] = true
		}
	})
}

func TestReconciler_Merge(t *testing.T) {
	r := NewReconciler(monitoring.NewMetrics("test"), logger.Discard())

	merged, report := r.Merge(context.Background(), baseRecord(), updates(
		"HealthIssues", `[{"date":"2024-01-01","issue":"migraine"},{"bad":true}]`,
	))

	assert.Len(t, merged.Lists[types.SectionHealthIssues], 1)
	assert.Equal(t, 1, report.Outcomes[0].Dropped)
}
