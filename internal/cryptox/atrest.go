package cryptox

import (
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/halcyon-im/halcyon/internal/common"
)

const SaltBytes = 16

// DeriveKEK derives a key-encryption key from a passphrase and salt using
// Argon2id. Used only for the at-rest identity file, never on the wire.
func DeriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, SymmetricKeyBytes)
}

// EncryptAtRest seals plaintext with a KEK derived from the passphrase.
func EncryptAtRest(passphrase string, plaintext, salt []byte) (nonce, ciphertext []byte, err error) {
	if len(salt) != SaltBytes {
		return nil, nil, errors.New("invalid salt size")
	}
	kek := DeriveKEK(passphrase, salt)
	defer common.WipeByteArray(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, nil, err
	}
	nonce = common.GenerateRandByteArray(aead.NonceSize())
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// DecryptAtRest reverses EncryptAtRest.
func DecryptAtRest(passphrase string, salt, nonce, ciphertext []byte) ([]byte, error) {
	if len(salt) != SaltBytes {
		return nil, errors.New("invalid salt size")
	}
	kek := DeriveKEK(passphrase, salt)
	defer common.WipeByteArray(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, common.ErrDecryptionFailure
	}
	return out, nil
}
