package ehr

import (
	"context"
	"database/sql"
	"errors"

	"github.com/medvault/custody/pkg/database"
	"github.com/medvault/custody/pkg/encryption"
	"github.com/medvault/custody/pkg/types"
)

// Directory resolves where a patient receives grant codes and which key
// their record is sealed for. Rows are provisioned outside this service.
type Directory interface {
	Contact(ctx context.Context, vaultID string) (*types.Contact, error)
	RecipientKey(ctx context.Context, vaultID string) (*encryption.RecipientKey, error)
}

// PostgresDirectory reads the patients table
type PostgresDirectory struct {
	db *database.DB
}

// NewPostgresDirectory creates a directory on the given connection
func NewPostgresDirectory(db *database.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Contact(ctx context.Context, vaultID string) (*types.Contact, error) {
	ctx, cancel := d.db.Bound(ctx)
	defer cancel()

	var phone string
	err := d.db.QueryRowContext(ctx,
		`SELECT phone_number FROM patients WHERE vault_id = $1`, vaultID,
	).Scan(&phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, types.NewStorageError("failed to look up patient contact", err)
	}
	return &types.Contact{VaultID: vaultID, PhoneNumber: phone}, nil
}

// RecipientKey parses the patient's stored key and checks it against the
// recorded fingerprint.
func (d *PostgresDirectory) RecipientKey(ctx context.Context, vaultID string) (*encryption.RecipientKey, error) {
	ctx, cancel := d.db.Bound(ctx)
	defer cancel()

	var keyID, pemText string
	err := d.db.QueryRowContext(ctx,
		`SELECT key_id, public_key_pem FROM patients WHERE vault_id = $1`, vaultID,
	).Scan(&keyID, &pemText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, types.NewStorageError("failed to look up patient key", err)
	}

	key, err := encryption.ParseRecipientKey([]byte(pemText))
	if err != nil {
		return nil, err
	}
	if key.KeyID() != keyID {
		return nil, types.NewValidationError(types.ErrCodeMalformedKey, "stored key does not match its fingerprint", map[string]interface{}{"vault_id": vaultID})
	}
	return key, nil
}

// Register inserts or replaces a patient's directory row. Used by
// provisioning tooling; the custody flows only read.
func (d *PostgresDirectory) Register(ctx context.Context, vaultID, phone string, publicKeyPEM []byte) error {
	key, err := encryption.ParseRecipientKey(publicKeyPEM)
	if err != nil {
		return err
	}

	ctx, cancel := d.db.Bound(ctx)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO patients (vault_id, phone_number, key_id, public_key_pem)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vault_id) DO UPDATE SET
			phone_number = EXCLUDED.phone_number,
			key_id = EXCLUDED.key_id,
			public_key_pem = EXCLUDED.public_key_pem`,
		vaultID, phone, key.KeyID(), string(publicKeyPEM),
	)
	if err != nil {
		return types.NewStorageError("failed to register patient", err)
	}
	return nil
}
