package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService  = "wagate"
	keyringTokenKey = "api-token"
)

// loadAPIToken reads the API token from the OS keyring, falling back to a
// local file on headless hosts. A missing token is generated and stored.
func loadAPIToken() (string, bool, error) {
	if token, err := keyring.Get(keyringService, keyringTokenKey); err == nil && token != "" {
		return token, false, nil
	}

	if token, err := loadTokenFromFallbackFile(); err == nil {
		return token, false, nil
	}

	token, err := generateToken(24)
	if err != nil {
		return "", false, err
	}
	if err := storeAPIToken(token); err != nil {
		return "", false, err
	}
	return token, true, nil
}

func storeAPIToken(token string) error {
	if err := keyring.Set(keyringService, keyringTokenKey, token); err != nil {
		return saveTokenToFallbackFile(token)
	}
	return nil
}

func fallbackTokenPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wagate", ".api-token")
}

func loadTokenFromFallbackFile() (string, error) {
	data, err := os.ReadFile(fallbackTokenPath())
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("empty fallback api token")
	}
	return token, nil
}

func saveTokenToFallbackFile(token string) error {
	path := fallbackTokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0600)
}
