package ehr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/medvault/custody/pkg/database"
	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

const (
	selectRecordSQL = `SELECT record, updated_at FROM ehr_records WHERE vault_id = $1`

	upsertRecordSQL = `
		INSERT INTO ehr_records (vault_id, record, sealed_blob, wrapped_key, wrap_scheme, recipient_key_id, archive_blob_id, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (vault_id) DO UPDATE SET
			record = EXCLUDED.record,
			sealed_blob = EXCLUDED.sealed_blob,
			wrapped_key = EXCLUDED.wrapped_key,
			wrap_scheme = EXCLUDED.wrap_scheme,
			recipient_key_id = EXCLUDED.recipient_key_id,
			archive_blob_id = EXCLUDED.archive_blob_id,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by`

	patientLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore keeps one JSONB document per patient in ehr_records
type PostgresStore struct {
	db      *database.DB
	tracing *monitoring.TracingManager
	metrics *monitoring.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

// NewPostgresStore creates a record store on the given connection
func NewPostgresStore(db *database.DB, tracing *monitoring.TracingManager, metrics *monitoring.Metrics, log *logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:      db,
		tracing: tracing,
		metrics: metrics,
		logger:  log,
		now:     time.Now,
	}
}

func (s *PostgresStore) Load(ctx context.Context, vaultID string) (*types.Record, error) {
	return s.records(s.db).Load(ctx, vaultID)
}

func (s *PostgresStore) Persist(ctx context.Context, vaultID string, record *types.Record, rev *Revision) error {
	return s.records(s.db).Persist(ctx, vaultID, record, rev)
}

// WithPatientLock takes a transaction-scoped advisory lock keyed on the
// vault id, so concurrent updates of one patient run one at a time while
// other patients proceed.
func (s *PostgresStore) WithPatientLock(ctx context.Context, vaultID string, fn func(ctx context.Context, records Records) error) error {
	ctx, span := s.tracing.StartDatabaseSpan(ctx, "lock", "ehr_records")
	defer span.End()

	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		lockCtx, cancel := s.db.Bound(ctx)
		_, err := tx.ExecContext(lockCtx, patientLockSQL, vaultID)
		cancel()
		if err != nil {
			s.metrics.StoreError("records", "lock")
			return types.NewStorageError("failed to lock patient record", err)
		}
		return fn(ctx, s.records(tx))
	})
}

func (s *PostgresStore) records(q querier) *postgresRecords {
	return &postgresRecords{store: s, q: q}
}

type postgresRecords struct {
	store *PostgresStore
	q     querier
}

func (r *postgresRecords) Load(ctx context.Context, vaultID string) (*types.Record, error) {
	ctx, span := r.store.tracing.StartDatabaseSpan(ctx, "select", "ehr_records")
	defer span.End()
	start := time.Now()

	queryCtx, cancel := r.store.db.Bound(ctx)
	defer cancel()

	var (
		raw       []byte
		updatedAt time.Time
	)
	err := r.q.QueryRowContext(queryCtx, selectRecordSQL, vaultID).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewRecord(vaultID), nil
	}
	if err != nil {
		r.store.metrics.StoreError("records", "load")
		r.store.logger.DatabaseOperation(ctx, "select", "ehr_records", time.Since(start).Milliseconds(), false, map[string]interface{}{"error": err.Error()})
		return nil, types.NewStorageError("failed to load record", err)
	}

	record := types.NewRecord(vaultID)
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "stored record is corrupt", err)
	}
	record.VaultID = vaultID
	record.UpdatedAt = updatedAt

	r.store.logger.DatabaseOperation(ctx, "select", "ehr_records", time.Since(start).Milliseconds(), true, nil)
	return record, nil
}

func (r *postgresRecords) Persist(ctx context.Context, vaultID string, record *types.Record, rev *Revision) error {
	ctx, span := r.store.tracing.StartDatabaseSpan(ctx, "upsert", "ehr_records")
	defer span.End()
	start := time.Now()

	raw, err := json.Marshal(record)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to encode record", err)
	}

	var (
		sealed, wrapped     []byte
		scheme, keyID, blob sql.NullString
		updatedBy           string
	)
	if rev != nil {
		if rev.Envelope != nil {
			sealed = rev.Envelope.Ciphertext
			wrapped = rev.Envelope.WrappedKey
			scheme = sql.NullString{String: rev.Envelope.Scheme, Valid: true}
			keyID = sql.NullString{String: rev.Envelope.RecipientKeyID, Valid: true}
		}
		if rev.ArchiveBlobID != "" {
			blob = sql.NullString{String: rev.ArchiveBlobID, Valid: true}
		}
		updatedBy = rev.UpdatedBy
	}

	queryCtx, cancel := r.store.db.Bound(ctx)
	defer cancel()

	updatedAt := r.store.now().UTC()
	_, err = r.q.ExecContext(queryCtx, upsertRecordSQL,
		vaultID, raw, sealed, wrapped, scheme, keyID, blob, updatedAt, updatedBy,
	)
	if err != nil {
		r.store.metrics.StoreError("records", "persist")
		r.store.logger.DatabaseOperation(ctx, "upsert", "ehr_records", time.Since(start).Milliseconds(), false, map[string]interface{}{"error": err.Error()})
		return types.NewStorageError("failed to persist record", err)
	}

	record.UpdatedAt = updatedAt
	r.store.logger.DatabaseOperation(ctx, "upsert", "ehr_records", time.Since(start).Milliseconds(), true, nil)
	return nil
}
