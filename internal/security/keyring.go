// Package security resolves API keys and tokens from the OS keyring or an
// encrypted vault so they need not sit in plain config files.
package security

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zalando/go-keyring"

	"zbot/internal/config"
)

const keyringService = "zbot"

// Placeholder is the config value meaning "look this secret up".
const Placeholder = "[keyring]"

// KeyStore manages secure storage of API keys.
// Primary: OS keyring. Fallback: encrypted vault (may be nil).
type KeyStore struct {
	vault *Vault
}

// NewKeyStore creates a key store. vault may be nil to use the keyring only.
func NewKeyStore(vault *Vault) *KeyStore {
	return &KeyStore{vault: vault}
}

// Set stores a secret (tries keyring first, falls back to the vault).
func (ks *KeyStore) Set(name, value string) error {
	err := keyring.Set(keyringService, name, value)
	if err == nil {
		return nil
	}
	if ks.vault == nil {
		return fmt.Errorf("keyring: %w", err)
	}
	return ks.vault.Set(name, value)
}

// Get retrieves a secret.
func (ks *KeyStore) Get(name string) (string, error) {
	if val, err := keyring.Get(keyringService, name); err == nil {
		return val, nil
	}
	if ks.vault == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return ks.vault.Get(name)
}

// Delete removes a secret from both stores.
func (ks *KeyStore) Delete(name string) error {
	if err := keyring.Delete(keyringService, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		log.Printf("[security] keyring delete %s: %v", name, err)
	}
	if ks.vault != nil {
		return ks.vault.Delete(name)
	}
	return nil
}

// SecretName is the key under which the primary provider's API key is stored.
func SecretName(vendor string) string {
	if strings.EqualFold(vendor, "anthropic") {
		return "anthropic_api_key"
	}
	return "openai_api_key"
}

// TelegramSecret is the key under which the Telegram bot token is stored.
const TelegramSecret = "telegram_token"

// ResolveSecrets replaces every Placeholder value in cfg with the stored
// secret. A secret that cannot be found is cleared and logged, so the
// provider selector falls back instead of sending the placeholder upstream.
func (ks *KeyStore) ResolveSecrets(cfg *config.Config) {
	resolve := func(name string, dst *string) {
		if *dst != Placeholder {
			return
		}
		val, err := ks.Get(name)
		if err != nil {
			log.Printf("[security] %s: %v", name, err)
			*dst = ""
			return
		}
		log.Printf("[security] loaded %s (%s)", name, MaskKey(val))
		*dst = val
	}

	resolve(SecretName(cfg.Primary.Vendor), &cfg.Primary.APIKey)
	if cfg.Channels.Telegram != nil {
		resolve(TelegramSecret, &cfg.Channels.Telegram.Token)
	}
}

// MaskKey returns a masked version of an API key for display.
func MaskKey(key string) string {
	runes := []rune(key)
	if len(runes) <= 8 {
		return "****"
	}
	return string(runes[:3]) + "..." + string(runes[len(runes)-4:])
}
