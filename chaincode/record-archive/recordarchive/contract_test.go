package recordarchive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/hyperledger/fabric-chaincode-go/shimtest"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T) (*contractapi.TransactionContext, *shimtest.MockStub) {
	t.Helper()
	stub := shimtest.NewMockStub("record-archive", nil)
	ctx := new(contractapi.TransactionContext)
	ctx.SetStub(stub)
	return ctx, stub
}

func blobFixture(content string) (string, string) {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:]), base64.StdEncoding.EncodeToString([]byte(content))
}

func TestSmartContract_PutAndGet(t *testing.T) {
	contract := new(SmartContract)
	ctx, stub := newContext(t)
	id, encoded := blobFixture("sealed revision")

	stub.MockTransactionStart("tx1")
	require.NoError(t, contract.PutSealedBlob(ctx, id, encoded))
	stub.MockTransactionEnd("tx1")

	exists, err := contract.BlobExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := contract.GetSealedBlob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, encoded, got)

	record, err := contract.ReadBlobRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tx1", record.TxID)
	assert.Equal(t, len("sealed revision"), record.Size)
	assert.Equal(t, "unknown", record.Submitter)

	ok, err := contract.VerifyBlobIntegrity(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSmartContract_PutIsIdempotent(t *testing.T) {
	contract := new(SmartContract)
	ctx, stub := newContext(t)
	id, encoded := blobFixture("sealed revision")

	stub.MockTransactionStart("tx1")
	require.NoError(t, contract.PutSealedBlob(ctx, id, encoded))
	stub.MockTransactionEnd("tx1")

	stub.MockTransactionStart("tx2")
	require.NoError(t, contract.PutSealedBlob(ctx, id, encoded))
	stub.MockTransactionEnd("tx2")

	record, err := contract.ReadBlobRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tx1", record.TxID)
}

func TestSmartContract_RejectsMismatchedID(t *testing.T) {
	contract := new(SmartContract)
	ctx, stub := newContext(t)
	_, encoded := blobFixture("sealed revision")
	otherID, _ := blobFixture("something else")

	stub.MockTransactionStart("tx1")
	err := contract.PutSealedBlob(ctx, otherID, encoded)
	stub.MockTransactionEnd("tx1")
	assert.Error(t, err)

	exists, err := contract.BlobExists(ctx, otherID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSmartContract_RejectsInvalidBase64(t *testing.T) {
	contract := new(SmartContract)
	ctx, stub := newContext(t)

	stub.MockTransactionStart("tx1")
	err := contract.PutSealedBlob(ctx, "abc", "!!not base64!!")
	stub.MockTransactionEnd("tx1")
	assert.Error(t, err)
}

func TestSmartContract_GetMissing(t *testing.T) {
	contract := new(SmartContract)
	ctx, _ := newContext(t)

	_, err := contract.GetSealedBlob(ctx, "missing")
	assert.Error(t, err)

	exists, err := contract.BlobExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}
