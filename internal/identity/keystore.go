package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/cryptox"
)

// Keystore is the at-rest identity file: the exported private pair sealed
// with a passphrase-derived key.
type Keystore struct {
	path string
}

func NewKeystore(path string) *Keystore {
	return &Keystore{path: path}
}

type keystoreFile struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Save seals the pair under the passphrase and writes it atomically enough
// for a single-device file (write temp, rename).
func (k *Keystore) Save(passphrase string, keys *cryptox.KeyPair) error {
	exported, err := keys.Export()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(exported)

	salt := common.GenerateRandByteArray(cryptox.SaltBytes)
	nonce, ct, err := cryptox.EncryptAtRest(passphrase, exported, salt)
	if err != nil {
		return err
	}

	data, err := json.Marshal(keystoreFile{Salt: salt, Nonce: nonce, Ciphertext: ct})
	if err != nil {
		return err
	}

	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing keystore: %w", err)
	}
	return os.Rename(tmp, k.path)
}

// Load decrypts and returns the stored pair. A missing file maps to
// common.ErrorNotFound; a wrong passphrase surfaces as ErrDecryptionFailure.
func (k *Keystore) Load(passphrase string) (*cryptox.KeyPair, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing keystore: %w", err)
	}

	exported, err := cryptox.DecryptAtRest(passphrase, file.Salt, file.Nonce, file.Ciphertext)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(exported)

	return cryptox.ImportKeyPair(exported)
}

// Wipe removes the keystore file. Missing file is not an error.
func (k *Keystore) Wipe() error {
	err := os.Remove(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
