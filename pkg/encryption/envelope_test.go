package encryption

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/medvault/custody/pkg/types"
)

var (
	rsaRecipient    = mustGenerate(SchemeRSAOAEP)
	x25519Recipient = mustGenerate(SchemeX25519)
)

func mustGenerate(scheme Scheme) *RecipientPrivateKey {
	k, err := GenerateRecipientKey(scheme)
	if err != nil {
		panic(err)
	}
	return k
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	for _, priv := range []*RecipientPrivateKey{rsaRecipient, x25519Recipient} {
		t.Run(string(priv.scheme), func(t *testing.T) {
			plaintext := []byte(`{"AllergyData":[{"date":"2024-01-01","allergen":"penicillin"}]}`)

			env, err := Seal(plaintext, priv.Public())
			require.NoError(t, err)
			assert.Equal(t, priv.KeyID(), env.RecipientKeyID)
			assert.Equal(t, string(priv.scheme), env.Scheme)
			assert.False(t, bytes.Contains(env.Ciphertext, plaintext))

			opened, err := Unseal(env, priv)
			require.NoError(t, err)
			assert.Equal(t, plaintext, opened)
		})
	}
}

func TestSeal_FreshContentKeyPerCall(t *testing.T) {
	plaintext := []byte("same record twice")

	first, err := Seal(plaintext, rsaRecipient.Public())
	require.NoError(t, err)
	second, err := Seal(plaintext, rsaRecipient.Public())
	require.NoError(t, err)

	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
	assert.NotEqual(t, first.WrappedKey, second.WrappedKey)
}

func TestSeal_EmptyPlaintext(t *testing.T) {
	env, err := Seal(nil, x25519Recipient.Public())
	require.NoError(t, err)

	opened, err := Unseal(env, x25519Recipient)
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestUnseal_WrongKey(t *testing.T) {
	other := mustGenerate(SchemeRSAOAEP)

	env, err := Seal([]byte("payload"), rsaRecipient.Public())
	require.NoError(t, err)

	_, err = Unseal(env, other)
	assert.True(t, errors.Is(err, types.ErrCryptoIntegrity))

	// Relabelling the envelope for the other key must not help either.
	env.RecipientKeyID = other.KeyID()
	_, err = Unseal(env, other)
	assert.True(t, errors.Is(err, types.ErrCryptoIntegrity))
}

func TestUnseal_Tampered(t *testing.T) {
	tests := []struct {
		name   string
		key    *RecipientPrivateKey
		tamper func(env *types.Envelope)
	}{
		{"rsa ciphertext", rsaRecipient, func(env *types.Envelope) { env.Ciphertext[len(env.Ciphertext)-1] ^= 0x01 }},
		{"rsa wrapped key", rsaRecipient, func(env *types.Envelope) { env.WrappedKey[0] ^= 0x01 }},
		{"x25519 ciphertext", x25519Recipient, func(env *types.Envelope) { env.Ciphertext[20] ^= 0x80 }},
		{"x25519 ephemeral key", x25519Recipient, func(env *types.Envelope) { env.WrappedKey[3] ^= 0x01 }},
		{"x25519 sealed key", x25519Recipient, func(env *types.Envelope) { env.WrappedKey[len(env.WrappedKey)-1] ^= 0x01 }},
		{"truncated ciphertext", x25519Recipient, func(env *types.Envelope) { env.Ciphertext = env.Ciphertext[:5] }},
		{"truncated wrapped key", x25519Recipient, func(env *types.Envelope) { env.WrappedKey = env.WrappedKey[:40] }},
		{"scheme swapped", rsaRecipient, func(env *types.Envelope) { env.Scheme = string(SchemeX25519) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Seal([]byte("sensitive record"), tt.key.Public())
			require.NoError(t, err)

			tt.tamper(env)

			_, err = Unseal(env, tt.key)
			assert.True(t, errors.Is(err, types.ErrCryptoIntegrity), "got %v", err)
		})
	}
}

func TestParseRecipientKey(t *testing.T) {
	t.Run("rsa and x25519 round trip through PEM", func(t *testing.T) {
		for _, priv := range []*RecipientPrivateKey{rsaRecipient, x25519Recipient} {
			pubPEM, err := MarshalPublicKeyPEM(priv.Public())
			require.NoError(t, err)

			parsed, err := ParseRecipientKey(pubPEM)
			require.NoError(t, err)
			assert.Equal(t, priv.KeyID(), parsed.KeyID())
			assert.Equal(t, priv.scheme, parsed.Scheme())

			privPEM, err := MarshalPrivateKeyPEM(priv)
			require.NoError(t, err)
			parsedPriv, err := ParseRecipientPrivateKey(privPEM)
			require.NoError(t, err)
			assert.Equal(t, priv.KeyID(), parsedPriv.KeyID())
		}
	})

	t.Run("ed25519 signing key is rejected", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(pub)
		require.NoError(t, err)

		_, err = ParseRecipientKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
		assert.True(t, errors.Is(err, types.ErrMalformedKey))
	})

	t.Run("short rsa key is rejected", func(t *testing.T) {
		priv, err := rsa.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		require.NoError(t, err)

		_, err = ParseRecipientKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
		assert.True(t, errors.Is(err, types.ErrMalformedKey))
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := ParseRecipientKey([]byte("not a key"))
		assert.True(t, errors.Is(err, types.ErrMalformedKey))
	})
}

func TestSeal_NilRecipient(t *testing.T) {
	_, err := Seal([]byte("x"), nil)
	assert.True(t, errors.Is(err, types.ErrMalformedKey))
}

func TestSealUnseal_RapidRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		plaintext := rapid.SliceOf(rapid.Byte()).Draw(rt, "plaintext")
		useRSA := rapid.Bool().Draw(rt, "rsa")

		priv := x25519Recipient
		if useRSA {
			priv = rsaRecipient
		}

		env, err := Seal(plaintext, priv.Public())
		if err != nil {
			rt.Fatalf("seal failed: %v", err)
		}
		opened, err := Unseal(env, priv)
		if err != nil {
			rt.Fatalf("unseal failed: %v", err)
		}
		if !bytes.Equal(plaintext, opened) {
			rt.Fatalf("round trip mismatch")
		}
	})
}

func TestHashData(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashData(nil))
}
