package encryption

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/medvault/custody/pkg/types"
)

const hkdfInfo = "medvault envelope v1"

// x25519 wrapped key layout: ephemeral public key, nonce, sealed content key
const (
	x25519PubSize    = 32
	wrappedX25519Len = x25519PubSize + chacha20poly1305.NonceSizeX + ContentKeySize + chacha20poly1305.Overhead
)

// Seal encrypts plaintext under a fresh content key and wraps that key for
// the recipient. The content key never leaves this function.
func Seal(plaintext []byte, recipient *RecipientKey) (*types.Envelope, error) {
	if recipient == nil {
		return nil, malformedKey("recipient key is required")
	}

	contentKey, err := newContentKey()
	if err != nil {
		return nil, err
	}
	defer zero(contentKey)

	ciphertext, err := encryptGCM(contentKey, plaintext, []byte(recipient.id))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	var wrapped []byte
	switch recipient.scheme {
	case SchemeRSAOAEP:
		wrapped, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient.rsa, contentKey, nil)
	case SchemeX25519:
		wrapped, err = wrapX25519(contentKey, recipient.x25519)
	default:
		return nil, malformedKey(fmt.Sprintf("unsupported scheme %q", recipient.scheme))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wrap content key: %w", err)
	}

	return &types.Envelope{
		Ciphertext:     ciphertext,
		WrappedKey:     wrapped,
		Scheme:         string(recipient.scheme),
		RecipientKeyID: recipient.id,
	}, nil
}

// Unseal opens an envelope with the recipient's private key. Every failure,
// whether wrong key or tampered data, is reported as ErrCryptoIntegrity.
func Unseal(env *types.Envelope, recipient *RecipientPrivateKey) ([]byte, error) {
	if env == nil || recipient == nil {
		return nil, types.ErrCryptoIntegrity
	}
	if Scheme(env.Scheme) != recipient.scheme || env.RecipientKeyID != recipient.public.id {
		return nil, types.ErrCryptoIntegrity
	}

	var (
		contentKey []byte
		err        error
	)
	switch recipient.scheme {
	case SchemeRSAOAEP:
		contentKey, err = rsa.DecryptOAEP(sha256.New(), nil, recipient.rsa, env.WrappedKey, nil)
	case SchemeX25519:
		contentKey, err = unwrapX25519(env.WrappedKey, recipient.x25519)
	default:
		return nil, types.ErrCryptoIntegrity
	}
	if err != nil || len(contentKey) != ContentKeySize {
		return nil, types.ErrCryptoIntegrity
	}
	defer zero(contentKey)

	plaintext, err := decryptGCM(contentKey, env.Ciphertext, []byte(env.RecipientKeyID))
	if err != nil {
		return nil, types.ErrCryptoIntegrity
	}
	return plaintext, nil
}

func wrapX25519(contentKey []byte, recipient *ecdh.PublicKey) ([]byte, error) {
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, err
	}
	aead, salt, err := deriveWrapAEAD(shared, ephemeral.PublicKey(), recipient)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, wrappedX25519Len)
	out = append(out, ephemeral.PublicKey().Bytes()...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, contentKey, salt), nil
}

func unwrapX25519(wrapped []byte, recipient *ecdh.PrivateKey) ([]byte, error) {
	if len(wrapped) != wrappedX25519Len {
		return nil, fmt.Errorf("wrapped key has wrong length")
	}

	ephemeral, err := ecdh.X25519().NewPublicKey(wrapped[:x25519PubSize])
	if err != nil {
		return nil, err
	}

	shared, err := recipient.ECDH(ephemeral)
	if err != nil {
		return nil, err
	}
	aead, salt, err := deriveWrapAEAD(shared, ephemeral, recipient.PublicKey())
	if err != nil {
		return nil, err
	}

	nonce := wrapped[x25519PubSize : x25519PubSize+chacha20poly1305.NonceSizeX]
	sealed := wrapped[x25519PubSize+chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, sealed, salt)
}

// deriveWrapAEAD expands the X25519 shared secret with HKDF-SHA256. The salt
// binds both public keys and doubles as associated data for the key seal.
func deriveWrapAEAD(shared []byte, ephemeralPub, recipientPub *ecdh.PublicKey) (cipher.AEAD, []byte, error) {
	defer zero(shared)

	salt := make([]byte, 0, 2*x25519PubSize)
	salt = append(salt, ephemeralPub.Bytes()...)
	salt = append(salt, recipientPub.Bytes()...)

	wrapKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo)), wrapKey); err != nil {
		return nil, nil, err
	}
	defer zero(wrapKey)

	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, nil, err
	}
	return aead, salt, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
