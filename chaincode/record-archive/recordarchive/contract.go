package recordarchive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

const blobKeyPrefix = "sealed_blob_"

// SmartContract stores sealed record revisions under their content hash
type SmartContract struct {
	contractapi.Contract
}

// SealedBlob is the ledger entry for one archived revision
type SealedBlob struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Size       int       `json:"size"`
	Submitter  string    `json:"submitter"`
	TxID       string    `json:"tx_id"`
	ArchivedAt time.Time `json:"archived_at"`
}

// PutSealedBlob archives content (base64) under blobID. blobID must be the
// hex SHA-256 of the decoded content. Re-submitting an archived blob is a
// no-op so clients can retry freely.
func (s *SmartContract) PutSealedBlob(ctx contractapi.TransactionContextInterface, blobID, content string) error {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return fmt.Errorf("content is not valid base64: %v", err)
	}
	if contentHash(raw) != blobID {
		return fmt.Errorf("blob id %s does not match content hash", blobID)
	}

	exists, err := s.BlobExists(ctx, blobID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	stub := ctx.GetStub()
	archivedAt := time.Unix(0, 0).UTC()
	if ts, err := stub.GetTxTimestamp(); err == nil && ts != nil {
		archivedAt = ts.AsTime()
	}

	blob := SealedBlob{
		ID:         blobID,
		Content:    content,
		Size:       len(raw),
		Submitter:  s.getCallerIdentity(ctx),
		TxID:       stub.GetTxID(),
		ArchivedAt: archivedAt,
	}

	blobJSON, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return stub.PutState(blobKeyPrefix+blobID, blobJSON)
}

// GetSealedBlob returns the archived content as base64
func (s *SmartContract) GetSealedBlob(ctx contractapi.TransactionContextInterface, blobID string) (string, error) {
	blob, err := s.ReadBlobRecord(ctx, blobID)
	if err != nil {
		return "", err
	}
	return blob.Content, nil
}

// ReadBlobRecord returns the full ledger entry for blobID
func (s *SmartContract) ReadBlobRecord(ctx contractapi.TransactionContextInterface, blobID string) (*SealedBlob, error) {
	blobJSON, err := ctx.GetStub().GetState(blobKeyPrefix + blobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read from world state: %v", err)
	}
	if blobJSON == nil {
		return nil, fmt.Errorf("sealed blob %s does not exist", blobID)
	}

	var blob SealedBlob
	if err := json.Unmarshal(blobJSON, &blob); err != nil {
		return nil, err
	}
	return &blob, nil
}

// BlobExists reports whether blobID has been archived
func (s *SmartContract) BlobExists(ctx contractapi.TransactionContextInterface, blobID string) (bool, error) {
	blobJSON, err := ctx.GetStub().GetState(blobKeyPrefix + blobID)
	if err != nil {
		return false, fmt.Errorf("failed to read from world state: %v", err)
	}
	return blobJSON != nil, nil
}

// VerifyBlobIntegrity recomputes the content hash of an archived blob
func (s *SmartContract) VerifyBlobIntegrity(ctx contractapi.TransactionContextInterface, blobID string) (bool, error) {
	blob, err := s.ReadBlobRecord(ctx, blobID)
	if err != nil {
		return false, err
	}

	raw, err := base64.StdEncoding.DecodeString(blob.Content)
	if err != nil {
		return false, nil
	}
	return contentHash(raw) == blob.ID && len(raw) == blob.Size, nil
}

func (s *SmartContract) getCallerIdentity(ctx contractapi.TransactionContextInterface) string {
	clientIdentity := ctx.GetClientIdentity()
	if clientIdentity == nil {
		return "unknown"
	}
	id, err := clientIdentity.GetID()
	if err != nil {
		return "unknown"
	}
	return id
}

func contentHash(raw []byte) string {
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:])
}
