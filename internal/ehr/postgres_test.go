package ehr

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/custody/pkg/database"
	"github.com/medvault/custody/pkg/encryption"
	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

func setupTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	log := logger.Discard()
	store := NewPostgresStore(database.Wrap(sqlDB, log), monitoring.NewNoopTracingManager(), monitoring.NewMetrics("test"), log)
	store.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestPostgresStore_LoadAbsentRecord(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectRecordSQL)).
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{"record", "updated_at"}))

	record, err := store.Load(context.Background(), "vault-1")
	require.NoError(t, err)

	assert.Equal(t, "vault-1", record.VaultID)
	for _, s := range types.AllSections() {
		if s.Kind() == types.KindList {
			assert.NotNil(t, record.Lists[s], string(s))
			assert.Empty(t, record.Lists[s], string(s))
		}
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadExistingRecord(t *testing.T) {
	store, mock := setupTestStore(t)
	updated := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(selectRecordSQL)).
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{"record", "updated_at"}).
			AddRow([]byte(`{"AllergyData":[{"date":"2024-01-01","allergen":"latex"}],"Demographics":{"address":"Old St"}}`), updated))

	record, err := store.Load(context.Background(), "vault-1")
	require.NoError(t, err)

	require.Len(t, record.Lists[types.SectionAllergyData], 1)
	assert.Equal(t, "latex", record.Lists[types.SectionAllergyData][0]["allergen"])
	assert.Equal(t, "Old St", record.Documents[types.SectionDemographics]["address"])
	assert.Equal(t, updated, record.UpdatedAt)
}

func TestPostgresStore_LoadStorageError(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectRecordSQL)).
		WithArgs("vault-1").
		WillReturnError(errors.New("connection reset"))

	_, err := store.Load(context.Background(), "vault-1")
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
	assert.True(t, types.Retryable(err))
}

func TestPostgresStore_LoadTimesOut(t *testing.T) {
	store, mock := setupTestStore(t)
	store.db.QueryTimeout = 20 * time.Millisecond

	mock.ExpectQuery(regexp.QuoteMeta(selectRecordSQL)).
		WithArgs("vault-1").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"record", "updated_at"}))

	start := time.Now()
	_, err := store.Load(context.Background(), "vault-1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
	assert.True(t, types.Retryable(err))
}

func TestPostgresStore_PersistTimesOut(t *testing.T) {
	store, mock := setupTestStore(t)
	store.db.QueryTimeout = 20 * time.Millisecond

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ehr_records")).
		WillDelayFor(time.Second).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Persist(context.Background(), "vault-1", types.NewRecord("vault-1"), &Revision{UpdatedBy: "patient-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
	assert.True(t, types.Retryable(err))
}

func TestPostgresStore_WithPatientLockTimesOut(t *testing.T) {
	store, mock := setupTestStore(t)
	store.db.QueryTimeout = 20 * time.Millisecond

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(patientLockSQL)).
		WithArgs("vault-1").
		WillDelayFor(time.Second).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	called := false
	err := store.WithPatientLock(context.Background(), "vault-1", func(ctx context.Context, records Records) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
	assert.True(t, types.Retryable(err))
}

func TestPostgresStore_Persist(t *testing.T) {
	store, mock := setupTestStore(t)
	record := types.NewRecord("vault-1")
	env := &types.Envelope{Ciphertext: []byte("ct"), WrappedKey: []byte("wk"), Scheme: "rsa-oaep-sha256", RecipientKeyID: "kid"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ehr_records")).
		WithArgs("vault-1", sqlmock.AnyArg(), []byte("ct"), []byte("wk"), "rsa-oaep-sha256", "kid", "blob-1", store.now().UTC(), "patient-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Persist(context.Background(), "vault-1", record, &Revision{Envelope: env, ArchiveBlobID: "blob-1", UpdatedBy: "patient-1"})
	require.NoError(t, err)
	assert.Equal(t, store.now().UTC(), record.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithPatientLock(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(patientLockSQL)).WithArgs("vault-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectRecordSQL)).
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{"record", "updated_at"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ehr_records")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithPatientLock(context.Background(), "vault-1", func(ctx context.Context, records Records) error {
		record, err := records.Load(ctx, "vault-1")
		if err != nil {
			return err
		}
		if err := Append(record, "AllergyData", types.Entry{"date": "2024-01-01", "allergen": "latex"}); err != nil {
			return err
		}
		return records.Persist(ctx, "vault-1", record, &Revision{UpdatedBy: "patient-1"})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithPatientLockRollsBack(t *testing.T) {
	store, mock := setupTestStore(t)
	boom := errors.New("merge failed")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(patientLockSQL)).WithArgs("vault-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithPatientLock(context.Background(), "vault-1", func(ctx context.Context, records Records) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	dir := NewPostgresDirectory(database.Wrap(sqlDB, logger.Discard()))

	priv, err := encryption.GenerateRecipientKey(encryption.SchemeX25519)
	require.NoError(t, err)
	pubPEM, err := encryption.MarshalPublicKeyPEM(priv.Public())
	require.NoError(t, err)

	t.Run("contact", func(t *testing.T) {
		mock.ExpectQuery("SELECT phone_number FROM patients").
			WithArgs("vault-1").
			WillReturnRows(sqlmock.NewRows([]string{"phone_number"}).AddRow("+15550100"))

		contact, err := dir.Contact(context.Background(), "vault-1")
		require.NoError(t, err)
		assert.Equal(t, "+15550100", contact.PhoneNumber)
	})

	t.Run("unknown patient", func(t *testing.T) {
		mock.ExpectQuery("SELECT phone_number FROM patients").
			WithArgs("vault-2").
			WillReturnRows(sqlmock.NewRows([]string{"phone_number"}))

		_, err := dir.Contact(context.Background(), "vault-2")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})

	t.Run("recipient key", func(t *testing.T) {
		mock.ExpectQuery("SELECT key_id, public_key_pem FROM patients").
			WithArgs("vault-1").
			WillReturnRows(sqlmock.NewRows([]string{"key_id", "public_key_pem"}).AddRow(priv.KeyID(), string(pubPEM)))

		key, err := dir.RecipientKey(context.Background(), "vault-1")
		require.NoError(t, err)
		assert.Equal(t, priv.KeyID(), key.KeyID())
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		mock.ExpectQuery("SELECT key_id, public_key_pem FROM patients").
			WithArgs("vault-1").
			WillReturnRows(sqlmock.NewRows([]string{"key_id", "public_key_pem"}).AddRow("stale", string(pubPEM)))

		_, err := dir.RecipientKey(context.Background(), "vault-1")
		assert.True(t, errors.Is(err, types.ErrMalformedKey))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory_TimesOut(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := database.Wrap(sqlDB, logger.Discard())
	db.QueryTimeout = 20 * time.Millisecond
	dir := NewPostgresDirectory(db)

	mock.ExpectQuery("SELECT phone_number FROM patients").
		WithArgs("vault-1").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"phone_number"}).AddRow("+15550100"))
	_, err = dir.Contact(context.Background(), "vault-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
	assert.True(t, types.Retryable(err))

	mock.ExpectQuery("SELECT key_id, public_key_pem FROM patients").
		WithArgs("vault-1").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"key_id", "public_key_pem"}))
	_, err = dir.RecipientKey(context.Background(), "vault-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStorageUnavailable))
	assert.True(t, types.Retryable(err))
}
