package ehr

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/custody/pkg/types"
)

func TestMemoryStore_LoadAbsent(t *testing.T) {
	store := NewMemoryStore()

	record, err := store.Load(context.Background(), "vault-1")
	require.NoError(t, err)
	assert.Equal(t, "vault-1", record.VaultID)
	for _, s := range types.AllSections() {
		if s.Kind() == types.KindList {
			assert.True(t, record.Has(s), "section %s", s)
		}
	}
}

func TestMemoryStore_PersistIsolatesCaller(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := types.NewRecord("vault-1")
	require.NoError(t, Append(record, "AllergyData", types.Entry{"date": "2024-01-01", "allergen": "latex"}))
	require.NoError(t, store.Persist(ctx, "vault-1", record, &Revision{ArchiveBlobID: "blob-1", UpdatedBy: "hospital-1"}))

	record.Lists[types.SectionAllergyData][0]["allergen"] = "changed"

	loaded, err := store.Load(ctx, "vault-1")
	require.NoError(t, err)
	assert.Equal(t, "latex", loaded.Lists[types.SectionAllergyData][0]["allergen"])
	assert.False(t, loaded.UpdatedAt.IsZero())
	assert.Equal(t, "blob-1", store.Revision("vault-1").ArchiveBlobID)
}

func TestMemoryStore_PatientLockSerialisesAppends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.WithPatientLock(ctx, "vault-1", func(ctx context.Context, records Records) error {
				record, err := records.Load(ctx, "vault-1")
				if err != nil {
					return err
				}
				if err := Append(record, "HealthIssues", types.Entry{"date": "2024-01-01", "issue": fmt.Sprintf("issue-%d", i)}); err != nil {
					return err
				}
				return records.Persist(ctx, "vault-1", record, nil)
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	record, err := store.Load(ctx, "vault-1")
	require.NoError(t, err)
	assert.Len(t, record.Lists[types.SectionHealthIssues], 20)
}
