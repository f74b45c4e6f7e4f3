package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// EnsureAPIToken makes sure Server.Token is set when auth is required. An
// explicit token wins; otherwise the token is read from (or created in) the
// OS keyring. It reports whether a new token was generated.
func (c *Config) EnsureAPIToken() (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token := strings.TrimSpace(c.Server.Token); token != "" {
		return token, false, nil
	}
	if !c.Server.RequireAuth {
		return "", false, nil
	}

	token, created, err := loadAPIToken()
	if err != nil {
		return "", false, err
	}
	c.Server.Token = token
	return token, created, nil
}

// RotateAPIToken replaces the keyring token with a fresh one.
func (c *Config) RotateAPIToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, err := generateToken(24)
	if err != nil {
		return "", err
	}
	if err := storeAPIToken(token); err != nil {
		return "", err
	}
	c.Server.Token = token
	return token, nil
}

// Token returns the current API token.
func (c *Config) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.Token
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c)
	if err != nil {
		return DefaultConfig()
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		return DefaultConfig()
	}
	clone.path = c.path
	return &clone
}

func copyStringSlice(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
