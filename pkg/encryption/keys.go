package encryption

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/medvault/custody/pkg/types"
)

// Scheme identifies how the content key is wrapped for a recipient
type Scheme string

const (
	// SchemeRSAOAEP wraps with RSA-OAEP using SHA-256 for hash and MGF1
	SchemeRSAOAEP Scheme = "rsa-oaep-sha256"
	// SchemeX25519 wraps with an ephemeral X25519 agreement, HKDF-SHA256 and
	// XChaCha20-Poly1305. Used by wallets whose signing key cannot encrypt.
	SchemeX25519 Scheme = "x25519-hkdf-xchacha20poly1305"
)

// MinRSABits is the smallest RSA modulus accepted for key wrapping
const MinRSABits = 2048

// RecipientKey is the public half of a patient's key-transport key
type RecipientKey struct {
	scheme Scheme
	rsa    *rsa.PublicKey
	x25519 *ecdh.PublicKey
	id     string
}

// Scheme returns the wrapping scheme the key supports
func (k *RecipientKey) Scheme() Scheme { return k.scheme }

// KeyID returns the hex SHA-256 fingerprint of the PKIX encoding
func (k *RecipientKey) KeyID() string { return k.id }

// RecipientPrivateKey is held by the patient and opens envelopes
type RecipientPrivateKey struct {
	scheme Scheme
	rsa    *rsa.PrivateKey
	x25519 *ecdh.PrivateKey
	public *RecipientKey
}

// Public returns the matching recipient key
func (k *RecipientPrivateKey) Public() *RecipientKey { return k.public }

// KeyID returns the fingerprint of the matching public key
func (k *RecipientPrivateKey) KeyID() string { return k.public.id }

// ParseRecipientKey parses a PKIX PEM public key. RSA keys of at least
// MinRSABits and X25519 keys are accepted; anything else, including Ed25519
// signing keys, fails with ErrMalformedKey.
func ParseRecipientKey(pemBytes []byte) (*RecipientKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, malformedKey("failed to decode PEM block")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, malformedKey("failed to parse public key")
	}

	return newRecipientKey(parsed)
}

func newRecipientKey(parsed interface{}) (*RecipientKey, error) {
	switch pub := parsed.(type) {
	case *rsa.PublicKey:
		if pub.N.BitLen() < MinRSABits {
			return nil, malformedKey(fmt.Sprintf("RSA key must be at least %d bits", MinRSABits))
		}
		id, err := fingerprint(pub)
		if err != nil {
			return nil, err
		}
		return &RecipientKey{scheme: SchemeRSAOAEP, rsa: pub, id: id}, nil
	case *ecdh.PublicKey:
		if pub.Curve() != ecdh.X25519() {
			return nil, malformedKey("only X25519 agreement keys are supported")
		}
		id, err := fingerprint(pub)
		if err != nil {
			return nil, err
		}
		return &RecipientKey{scheme: SchemeX25519, x25519: pub, id: id}, nil
	case ed25519.PublicKey:
		return nil, malformedKey("Ed25519 keys are signature-only; provision an X25519 transport key")
	default:
		return nil, malformedKey(fmt.Sprintf("unsupported key type %T", parsed))
	}
}

// ParseRecipientPrivateKey parses a PKCS#8 PEM private key
func ParseRecipientPrivateKey(pemBytes []byte) (*RecipientPrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, malformedKey("failed to decode PEM block")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, malformedKey("failed to parse private key")
	}

	switch priv := parsed.(type) {
	case *rsa.PrivateKey:
		public, err := newRecipientKey(&priv.PublicKey)
		if err != nil {
			return nil, err
		}
		return &RecipientPrivateKey{scheme: SchemeRSAOAEP, rsa: priv, public: public}, nil
	case *ecdh.PrivateKey:
		public, err := newRecipientKey(priv.PublicKey())
		if err != nil {
			return nil, err
		}
		return &RecipientPrivateKey{scheme: SchemeX25519, x25519: priv, public: public}, nil
	default:
		return nil, malformedKey(fmt.Sprintf("unsupported private key type %T", parsed))
	}
}

// GenerateRecipientKey creates a new key pair for the given scheme
func GenerateRecipientKey(scheme Scheme) (*RecipientPrivateKey, error) {
	switch scheme {
	case SchemeRSAOAEP:
		priv, err := rsa.GenerateKey(rand.Reader, MinRSABits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		public, err := newRecipientKey(&priv.PublicKey)
		if err != nil {
			return nil, err
		}
		return &RecipientPrivateKey{scheme: scheme, rsa: priv, public: public}, nil
	case SchemeX25519:
		priv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate X25519 key: %w", err)
		}
		public, err := newRecipientKey(priv.PublicKey())
		if err != nil {
			return nil, err
		}
		return &RecipientPrivateKey{scheme: scheme, x25519: priv, public: public}, nil
	default:
		return nil, malformedKey(fmt.Sprintf("unknown scheme %q", scheme))
	}
}

// MarshalPublicKeyPEM encodes the recipient key as PKIX PEM
func MarshalPublicKeyPEM(k *RecipientKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.raw())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalPrivateKeyPEM encodes the private key as PKCS#8 PEM
func MarshalPrivateKeyPEM(k *RecipientPrivateKey) ([]byte, error) {
	var raw interface{}
	if k.rsa != nil {
		raw = k.rsa
	} else {
		raw = k.x25519
	}
	der, err := x509.MarshalPKCS8PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func (k *RecipientKey) raw() interface{} {
	if k.rsa != nil {
		return k.rsa
	}
	return k.x25519
}

func fingerprint(pub interface{}) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", malformedKey("failed to encode public key")
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

func malformedKey(message string) error {
	return &types.CustodyError{
		Type:    types.ErrorTypeValidation,
		Code:    types.ErrCodeMalformedKey,
		Message: message,
	}
}
