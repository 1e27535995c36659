package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the tables backing the record store and patient
// directory. Every statement is idempotent.
func (db *DB) CreateSchema(ctx context.Context) error {
	log := db.logger.WithComponent("database")
	log.Info("Creating database schema...")

	statements := []string{
		createPatientsTable,
		createEHRRecordsTable,
		createEHRRecordsIndexes,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	log.Info("Database schema created successfully")
	return nil
}

// SQL DDL statements for table creation
const (
	createPatientsTable = `
		CREATE TABLE IF NOT EXISTS patients (
			vault_id VARCHAR(64) PRIMARY KEY,
			phone_number VARCHAR(32) NOT NULL,
			key_id VARCHAR(64) NOT NULL,
			public_key_pem TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createEHRRecordsTable = `
		CREATE TABLE IF NOT EXISTS ehr_records (
			vault_id VARCHAR(64) PRIMARY KEY REFERENCES patients(vault_id),
			record JSONB NOT NULL,
			sealed_blob BYTEA,
			wrapped_key BYTEA,
			wrap_scheme VARCHAR(16),
			recipient_key_id VARCHAR(64),
			archive_blob_id VARCHAR(128),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_by VARCHAR(128) NOT NULL
		);`

	createEHRRecordsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_ehr_records_updated_at ON ehr_records(updated_at);
		CREATE INDEX IF NOT EXISTS idx_ehr_records_archive_blob_id ON ehr_records(archive_blob_id);`
)
