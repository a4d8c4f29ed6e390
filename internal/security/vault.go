package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256
	saltLen      = 16
	vaultFile    = "vault.enc"
)

// ErrSecretNotFound is returned when no store holds the named secret.
var ErrSecretNotFound = errors.New("secret not found")

// Vault is an encrypted JSON file of named secrets, used where no OS keyring
// is available (headless servers, containers).
type Vault struct {
	mu         sync.Mutex
	path       string
	passphrase string
}

type vaultEnvelope struct {
	Salt string `json:"salt"`
	Data string `json:"data"`
}

// OpenVault returns the vault stored in dir. The file is created on first Set.
func OpenVault(dir, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("vault: passphrase is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Vault{path: filepath.Join(dir, vaultFile), passphrase: passphrase}, nil
}

func (v *Vault) Get(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	secrets, _, err := v.load()
	if err != nil {
		return "", err
	}
	val, ok := secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return val, nil
}

func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	secrets, salt, err := v.load()
	if err != nil {
		return err
	}
	secrets[name] = value
	return v.save(secrets, salt)
}

func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	secrets, salt, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[name]; !ok {
		return nil
	}
	delete(secrets, name)
	return v.save(secrets, salt)
}

// load returns the decrypted secrets and the salt they were sealed with.
// A missing file is an empty vault with a fresh salt.
func (v *Vault) load() (map[string]string, []byte, error) {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		salt := make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, err
		}
		return make(map[string]string), salt, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var env vaultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("parse vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("decode salt: %w", err)
	}

	plaintext, err := open(env.Data, deriveKey(v.passphrase, salt))
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt vault: %w", err)
	}
	secrets := make(map[string]string)
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, nil, fmt.Errorf("parse vault: %w", err)
	}
	return secrets, salt, nil
}

func (v *Vault) save(secrets map[string]string, salt []byte) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return err
	}
	sealed, err := seal(plaintext, deriveKey(v.passphrase, salt))
	if err != nil {
		return err
	}
	data, err := json.Marshal(vaultEnvelope{
		Salt: base64.StdEncoding.EncodeToString(salt),
		Data: sealed,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(v.path, data, 0600)
}

// deriveKey derives an AES-256 key from a passphrase using Argon2id.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// seal encrypts with AES-256-GCM and returns base64(nonce || ciphertext).
func seal(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

func open(encoded string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
