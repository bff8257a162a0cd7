package crypto

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	ErrNilKey           = errors.New("crypto: nil account key")
	ErrKeystorePath     = errors.New("crypto: keystore path required")
	ErrKeystoreExists   = errors.New("crypto: keystore file already exists")
	ErrKeystoreMismatch = errors.New("crypto: keystore address does not match its key")
)

// AccountKey is the secp256k1 key controlling a savings account.
type AccountKey struct {
	key *ecdsa.PrivateKey
}

// NewAccountKey generates a fresh account key.
func NewAccountKey() (*AccountKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &AccountKey{key: key}, nil
}

// AccountKeyFromBytes restores a key from its 32-byte scalar.
func AccountKeyFromBytes(b []byte) (*AccountKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &AccountKey{key: key}, nil
}

func (k *AccountKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.key)
}

// Address is the savings account controlled by the key.
func (k *AccountKey) Address() Address {
	return NewAddress(AccountPrefix, k.hexAddress().Bytes())
}

func (k *AccountKey) hexAddress() common.Address {
	return ethcrypto.PubkeyToAddress(k.key.PublicKey)
}

// Keystore stores account keys as encrypted v3 keystore files.
type Keystore struct {
	ScryptN int
	ScryptP int
}

// DefaultKeystore uses the standard scrypt cost.
var DefaultKeystore = Keystore{ScryptN: keystore.StandardScryptN, ScryptP: keystore.StandardScryptP}

// Save encrypts key under passphrase and writes it to path with 0600
// permissions. An existing file is never replaced.
func (ks Keystore) Save(path string, key *AccountKey, passphrase string) error {
	if key == nil || key.key == nil {
		return ErrNilKey
	}
	if path == "" {
		return ErrKeystorePath
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrKeystoreExists, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.hexAddress(),
		PrivateKey: key.key,
	}, passphrase, ks.ScryptN, ks.ScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(encrypted); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Link fails when path appeared after the Stat above.
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrKeystoreExists, path)
		}
		return err
	}
	return nil
}

// Load decrypts the keystore file at path. The address recorded in the file
// must belong to the decrypted key.
func (ks Keystore) Load(path, passphrase string) (*AccountKey, error) {
	if path == "" {
		return nil, ErrKeystorePath
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(keyJSON, &header); err != nil {
		return nil, fmt.Errorf("crypto: parse keystore: %w", err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	key := &AccountKey{key: decrypted.PrivateKey}
	if header.Address != "" && common.HexToAddress(header.Address) != key.hexAddress() {
		return nil, fmt.Errorf("%w: %s", ErrKeystoreMismatch, path)
	}
	return key, nil
}
