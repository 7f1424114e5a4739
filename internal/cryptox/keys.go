// Package cryptox implements the key material and envelope crypto for the
// sync core: X25519 for key agreement, Ed25519 for signatures,
// ChaCha20-Poly1305 for payload encryption.
package cryptox

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// PublicKeys is the published half of an identity: one encryption key and
// one signing key, stored in the directory under the owner's handle.
type PublicKeys struct {
	EncryptionKey []byte `json:"encryptionKey"`
	SigningKey    []byte `json:"signingKey"`
}

// KeyPair carries both the X25519 pair (encryption) and the Ed25519 pair
// (signatures). The private halves never leave the device except inside a
// device-sync payload.
type KeyPair struct {
	XPriv [32]byte
	XPub  [32]byte

	EdPriv ed25519.PrivateKey
	EdPub  ed25519.PublicKey
}

// NewKeyPair generates a fresh X25519 key pair and an Ed25519 key pair.
// The X25519 private key is clamped per RFC 7748.
func NewKeyPair() (*KeyPair, error) {
	var xpriv [32]byte
	if _, err := rand.Read(xpriv[:]); err != nil {
		return nil, err
	}
	xpriv[0] &= 248
	xpriv[31] &= 127
	xpriv[31] |= 64

	var xpub [32]byte
	curve25519.ScalarBaseMult(&xpub, &xpriv)

	edpub, edpriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		XPriv:  xpriv,
		XPub:   xpub,
		EdPriv: edpriv,
		EdPub:  edpub,
	}, nil
}

// Public returns the publishable half of the pair.
func (k *KeyPair) Public() PublicKeys {
	return PublicKeys{
		EncryptionKey: append([]byte(nil), k.XPub[:]...),
		SigningKey:    append([]byte(nil), k.EdPub...),
	}
}

// Matches reports whether pub is the published counterpart of this pair.
func (k *KeyPair) Matches(pub PublicKeys) bool {
	return bytes.Equal(pub.EncryptionKey, k.XPub[:]) &&
		bytes.Equal(pub.SigningKey, k.EdPub)
}

// Fingerprint returns a SHA-256 hex digest of the X25519 public key.
func (k *KeyPair) Fingerprint() string {
	sum := sha256.Sum256(k.XPub[:])
	return hex.EncodeToString(sum[:])
}

// exportedKeys is the serialized private pair carried by a device-sync
// payload during linking.
type exportedKeys struct {
	XPriv  []byte `json:"xPriv"`
	EdPriv []byte `json:"edPriv"`
}

// Export serializes the private halves for device-to-device transfer.
func (k *KeyPair) Export() ([]byte, error) {
	return json.Marshal(exportedKeys{
		XPriv:  k.XPriv[:],
		EdPriv: k.EdPriv,
	})
}

// ImportKeyPair parses an exported pair and re-derives the public halves.
func ImportKeyPair(data []byte) (*KeyPair, error) {
	var exp exportedKeys
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parsing exported keys: %w", err)
	}
	if len(exp.XPriv) != 32 {
		return nil, fmt.Errorf("exported encryption key has %d bytes, want 32", len(exp.XPriv))
	}
	if len(exp.EdPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("exported signing key has %d bytes, want %d", len(exp.EdPriv), ed25519.PrivateKeySize)
	}

	kp := &KeyPair{EdPriv: append(ed25519.PrivateKey(nil), exp.EdPriv...)}
	copy(kp.XPriv[:], exp.XPriv)
	curve25519.ScalarBaseMult(&kp.XPub, &kp.XPriv)
	kp.EdPub = kp.EdPriv.Public().(ed25519.PublicKey)
	return kp, nil
}
