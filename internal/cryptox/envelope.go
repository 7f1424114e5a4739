package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/models"
)

// SymmetricKeyBytes is the length of the per-envelope content key and of
// one-time linking keys.
const SymmetricKeyBytes = chacha20poly1305.KeySize

// NewSymmetricKey returns a fresh random content key.
func NewSymmetricKey() []byte {
	return common.GenerateRandByteArray(SymmetricKeyBytes)
}

// SealEnvelope encrypts plaintext for the recipient and signs it with the
// sender's signing key.
//
// The content key is random per envelope: the payload is sealed with
// ChaCha20-Poly1305 (nonce prepended to the ciphertext) and the content key
// itself is sealed to the recipient's X25519 key with an anonymous box.
func SealEnvelope(plaintext []byte, recipient PublicKeys, signer *KeyPair, recipientHandle string, ephemeral bool) (models.Envelope, error) {
	if len(recipient.EncryptionKey) != 32 {
		return models.Envelope{}, fmt.Errorf("recipient encryption key has %d bytes, want 32", len(recipient.EncryptionKey))
	}

	symKey := NewSymmetricKey()
	defer common.WipeByteArray(symKey)

	data, err := sealWithKey(plaintext, symKey)
	if err != nil {
		return models.Envelope{}, err
	}

	var peer [32]byte
	copy(peer[:], recipient.EncryptionKey)
	wrapped, err := box.SealAnonymous(nil, symKey, &peer, rand.Reader)
	if err != nil {
		return models.Envelope{}, err
	}

	return models.Envelope{
		RecipientHandle:       recipientHandle,
		EncryptedData:         data,
		EncryptedSymmetricKey: wrapped,
		Signature:             ed25519.Sign(signer.EdPriv, data),
		IsEphemeral:           ephemeral,
	}, nil
}

// SealEnvelopeWithKey encrypts plaintext directly with a pre-shared one-time
// key. Used by sender-hosted linking, where the other device redeems the key
// from the scanned payload; no asymmetric wrap is involved.
func SealEnvelopeWithKey(plaintext, symKey []byte, signer *KeyPair, recipientHandle string) (models.Envelope, error) {
	data, err := sealWithKey(plaintext, symKey)
	if err != nil {
		return models.Envelope{}, err
	}
	return models.Envelope{
		RecipientHandle: recipientHandle,
		EncryptedData:   data,
		Signature:       ed25519.Sign(signer.EdPriv, data),
	}, nil
}

// OpenEnvelope unwraps the content key with the holder's X25519 pair and
// decrypts the payload. Any failure surfaces as common.ErrDecryptionFailure
// so callers can treat "not addressed to these keys" uniformly.
func OpenEnvelope(env models.Envelope, keys *KeyPair) ([]byte, error) {
	var pub, priv [32]byte
	pub, priv = keys.XPub, keys.XPriv

	symKey, ok := box.OpenAnonymous(nil, env.EncryptedSymmetricKey, &pub, &priv)
	if !ok {
		return nil, common.ErrDecryptionFailure
	}
	defer common.WipeByteArray(symKey)

	return openWithKey(env.EncryptedData, symKey)
}

// OpenEnvelopeWithKey decrypts the payload with a pre-shared one-time key.
func OpenEnvelopeWithKey(env models.Envelope, symKey []byte) ([]byte, error) {
	return openWithKey(env.EncryptedData, symKey)
}

// VerifyEnvelope checks the envelope signature against the sender's
// published signing key.
func VerifyEnvelope(env models.Envelope, sender PublicKeys) error {
	if len(sender.SigningKey) != ed25519.PublicKeySize {
		return common.ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(sender.SigningKey), env.EncryptedData, env.Signature) {
		return common.ErrBadSignature
	}
	return nil
}

func sealWithKey(plaintext, symKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, err
	}
	nonce := common.GenerateRandByteArray(aead.NonceSize())
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func openWithKey(data, symKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, common.ErrDecryptionFailure
	}
	if len(data) < aead.NonceSize() {
		return nil, common.ErrDecryptionFailure
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, common.ErrDecryptionFailure
	}
	return plaintext, nil
}
