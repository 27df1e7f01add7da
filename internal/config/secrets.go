package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
)

const (
	keyringService = "aaa"
	sessionAccount = "session_id"
	tokenAccount   = "api_token"
)

// OpenKeyring opens the platform secret store, falling back to an encrypted
// file under the data directory when no native backend is available.
func OpenKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(defaultDataDir(), "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func applySecrets(cfg *Config, ring keyring.Keyring) {
	if cfg.Session.ID != "" || ring == nil {
		return
	}
	id, err := getSecret(ring, sessionAccount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not read session from keyring: %v\n", err)
		return
	}
	cfg.Session.ID = id
}

func getSecret(ring keyring.Keyring, account string) (string, error) {
	item, err := ring.Get(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting %q: %w", account, err)
	}
	return string(item.Data), nil
}

// SaveSession stores the backend session id in the keyring.
func SaveSession(ring keyring.Keyring, id string) error {
	if id == "" {
		return errors.New("session id must not be empty")
	}
	if err := ring.Set(keyring.Item{Key: sessionAccount, Data: []byte(id), Label: "aaa session"}); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// ClearSession removes the stored session id. Clearing an absent session is
// not an error.
func ClearSession(ring keyring.Keyring) error {
	if err := ring.Remove(sessionAccount); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

// GetAPIToken returns the bearer token guarding the local API, generating
// and storing one on first use.
func GetAPIToken(ring keyring.Keyring) (string, error) {
	if tok := os.Getenv("AAA_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if ring == nil {
		return "", errors.New("no keyring available; set AAA_API_TOKEN")
	}
	tok, err := getSecret(ring, tokenAccount)
	if err != nil {
		return "", err
	}
	if tok != "" {
		return tok, nil
	}
	tok = uuid.NewString()
	if err := ring.Set(keyring.Item{Key: tokenAccount, Data: []byte(tok), Label: "aaa api token"}); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
