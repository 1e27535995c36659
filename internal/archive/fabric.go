package archive

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/medvault/custody/pkg/config"
	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
	"github.com/medvault/custody/pkg/types"
)

const (
	putFunction    = "PutSealedBlob"
	getFunction    = "GetSealedBlob"
	existsFunction = "BlobExists"
)

// Contract is the subset of *client.Contract the archiver uses
type Contract interface {
	SubmitTransaction(name string, args ...string) ([]byte, error)
	EvaluateTransaction(name string, args ...string) ([]byte, error)
}

// FabricArchiver archives sealed blobs on a Hyperledger Fabric channel
type FabricArchiver struct {
	contract  Contract
	chaincode string
	tracing   *monitoring.TracingManager
	logger    *logger.Logger
	closers   []func() error
}

// NewFabricArchiver wraps an already connected contract
func NewFabricArchiver(contract Contract, chaincode string, tracing *monitoring.TracingManager, log *logger.Logger) *FabricArchiver {
	return &FabricArchiver{
		contract:  contract,
		chaincode: chaincode,
		tracing:   tracing,
		logger:    log,
	}
}

// DialFabric connects to the gateway peer described by cfg
func DialFabric(cfg *config.FabricConfig, tracing *monitoring.TracingManager, log *logger.Logger) (*FabricArchiver, error) {
	conn, err := newGrpcConnection(cfg)
	if err != nil {
		return nil, err
	}

	id, err := newIdentity(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sign, err := newSign(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 5 * time.Second
	}

	gw, err := client.Connect(
		id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(5*time.Second),
		client.WithEndorseTimeout(15*time.Second),
		client.WithSubmitTimeout(submitTimeout),
		client.WithCommitStatusTimeout(time.Minute),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to fabric gateway: %w", err)
	}

	contract := gw.GetNetwork(cfg.ChannelName).GetContract(cfg.ChaincodeName)
	archiver := NewFabricArchiver(contract, cfg.ChaincodeName, tracing, log)
	archiver.closers = []func() error{gw.Close, conn.Close}
	return archiver, nil
}

// Put submits the blob and blocks until the transaction commits. The blob id
// is its content hash, so a retried submit is accepted by the chaincode.
func (a *FabricArchiver) Put(ctx context.Context, blob []byte) (string, error) {
	ctx, span := a.tracing.StartLedgerSpan(ctx, a.chaincode, putFunction)
	defer span.End()

	id := BlobID(blob)
	_, err := a.contract.SubmitTransaction(putFunction, id, base64.StdEncoding.EncodeToString(blob))
	a.logger.LedgerTransaction(ctx, a.chaincode, putFunction, id, err == nil, err)
	if err != nil {
		a.tracing.RecordError(span, err)
		return "", types.NewStorageError("ledger archive submit failed", err)
	}
	return id, nil
}

func (a *FabricArchiver) Get(ctx context.Context, blobID string) ([]byte, error) {
	ctx, span := a.tracing.StartLedgerSpan(ctx, a.chaincode, getFunction)
	defer span.End()

	exists, err := a.contract.EvaluateTransaction(existsFunction, blobID)
	if err != nil {
		a.tracing.RecordError(span, err)
		return nil, types.NewStorageError("ledger archive query failed", err)
	}
	if strings.TrimSpace(string(exists)) != "true" {
		return nil, ErrBlobNotFound
	}

	encoded, err := a.contract.EvaluateTransaction(getFunction, blobID)
	if err != nil {
		a.tracing.RecordError(span, err)
		return nil, types.NewStorageError("ledger archive query failed", err)
	}
	blob, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "ledger returned a corrupt blob", err)
	}
	return blob, nil
}

func (a *FabricArchiver) Close() error {
	var firstErr error
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newGrpcConnection(cfg *config.FabricConfig) (*grpc.ClientConn, error) {
	certificate, err := loadCertificate(cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(certificate)
	transportCredentials := credentials.NewClientTLSFromCert(certPool, cfg.GatewayPeer)

	conn, err := grpc.Dial(cfg.PeerEndpoint, grpc.WithTransportCredentials(transportCredentials))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return conn, nil
}

func newIdentity(cfg *config.FabricConfig) (*identity.X509Identity, error) {
	certificate, err := loadCertificate(cfg.CertPath)
	if err != nil {
		return nil, err
	}
	return identity.NewX509Identity(cfg.MSPID, certificate)
}

// newSign loads the signing key. KeyPath may name the key file or an MSP
// keystore directory holding a single key.
func newSign(cfg *config.FabricConfig) (identity.Sign, error) {
	keyFile := cfg.KeyPath
	if info, err := os.Stat(keyFile); err == nil && info.IsDir() {
		files, err := os.ReadDir(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key directory: %w", err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no private key in %s", keyFile)
		}
		keyFile = filepath.Join(keyFile, files[0].Name())
	}

	privateKeyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	privateKey, err := identity.PrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return identity.NewPrivateKeySign(privateKey)
}

func loadCertificate(filename string) (*x509.Certificate, error) {
	certificatePEM, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	return identity.CertificateFromPEM(certificatePEM)
}
