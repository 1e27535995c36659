//go:build integration

package ehr

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/medvault/custody/pkg/database"
	"github.com/medvault/custody/pkg/encryption"
	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

func startPostgres(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "medvault_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	sqlDB, err := sql.Open("postgres", fmt.Sprintf("postgres://test:testpass@%s:%s/medvault_test?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := database.Wrap(sqlDB, logger.Discard())
	require.NoError(t, db.CreateSchema(ctx))
	return db
}

func TestPostgresStore_Integration(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	log := logger.Discard()

	priv, err := encryption.GenerateRecipientKey(encryption.SchemeRSAOAEP)
	require.NoError(t, err)
	pubPEM, err := encryption.MarshalPublicKeyPEM(priv.Public())
	require.NoError(t, err)

	dir := NewPostgresDirectory(db)
	require.NoError(t, dir.Register(ctx, "vault-1", "+15550100", pubPEM))

	key, err := dir.RecipientKey(ctx, "vault-1")
	require.NoError(t, err)
	assert.Equal(t, priv.KeyID(), key.KeyID())

	store := NewPostgresStore(db, monitoring.NewNoopTracingManager(), monitoring.NewMetrics("test"), log)

	t.Run("absent record loads empty", func(t *testing.T) {
		record, err := store.Load(ctx, "vault-1")
		require.NoError(t, err)
		assert.Empty(t, record.Lists[types.SectionAllergyData])
	})

	t.Run("concurrent locked appends do not lose writes", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.WithPatientLock(ctx, "vault-1", func(ctx context.Context, records Records) error {
					record, err := records.Load(ctx, "vault-1")
					if err != nil {
						return err
					}
					entry := types.Entry{"date": fmt.Sprintf("2024-01-%02d", i+1), "allergen": "latex"}
					if err := Append(record, "AllergyData", entry); err != nil {
						return err
					}
					return records.Persist(ctx, "vault-1", record, &Revision{UpdatedBy: "test"})
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		record, err := store.Load(ctx, "vault-1")
		require.NoError(t, err)
		assert.Len(t, record.Lists[types.SectionAllergyData], 10)
	})
}
