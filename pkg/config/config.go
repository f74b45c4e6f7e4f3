package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config is the full process configuration. Values come from, in order:
// DefaultConfig, the JSON config file, a .env file and the environment.
type Config struct {
	AppName   string          `json:"app_name" env:"APPNAME"`
	Tenants   []string        `json:"tenants" env:"WAGATE_TENANTS"`
	Server    ServerConfig    `json:"server"`
	Webhook   WebhookConfig   `json:"webhook"`
	Session   SessionConfig   `json:"session"`
	Storage   StorageConfig   `json:"storage"`
	Outbox    OutboxConfig    `json:"outbox"`
	AllowList AllowListConfig `json:"allow_list"`
	Log       LogConfig       `json:"log"`

	mu   sync.RWMutex
	path string
}

type ServerConfig struct {
	Host        string `json:"host" env:"WAGATE_HOST"`
	Port        int    `json:"port" env:"PORT"`
	Token       string `json:"token" env:"WAGATE_TOKEN"`
	RequireAuth bool   `json:"require_auth" env:"WAGATE_REQUIRE_AUTH"`
	MediaDir    string `json:"media_dir" env:"WAGATE_MEDIA_DIR"`
	MaxUploadMB int    `json:"max_upload_mb" env:"WAGATE_MAX_UPLOAD_MB"`
}

type WebhookConfig struct {
	BaseURL       string   `json:"base_url" env:"APIURL"`
	Secret        string   `json:"secret" env:"WAGATE_WEBHOOK_SECRET"`
	Timeout       Duration `json:"timeout" env:"WAGATE_WEBHOOK_TIMEOUT"`
	Retries       int      `json:"retries" env:"WAGATE_WEBHOOK_RETRIES"`
	RetryWait     Duration `json:"retry_wait" env:"WAGATE_WEBHOOK_RETRY_WAIT"`
	RetryMaxWait  Duration `json:"retry_max_wait" env:"WAGATE_WEBHOOK_RETRY_MAX_WAIT"`
	RatePerSecond float64  `json:"rate_per_second" env:"WAGATE_WEBHOOK_RATE"`
	Burst         int      `json:"burst" env:"WAGATE_WEBHOOK_BURST"`
	MaxInFlight   int64    `json:"max_in_flight" env:"WAGATE_WEBHOOK_MAX_IN_FLIGHT"`
}

type SessionConfig struct {
	StoreDir          string   `json:"store_dir" env:"WAGATE_SESSION_DIR"`
	StoreURL          string   `json:"store_url" env:"WAGATE_SESSION_STORE_URL"`
	CountryCode       string   `json:"country_code" env:"WAGATE_COUNTRY_CODE"`
	GraceDelay        Duration `json:"grace_delay" env:"WAGATE_SESSION_GRACE_DELAY"`
	PurgeRetries      int      `json:"purge_retries" env:"WAGATE_SESSION_PURGE_RETRIES"`
	PurgeRetryDelay   Duration `json:"purge_retry_delay" env:"WAGATE_SESSION_PURGE_RETRY_DELAY"`
	AutoRestart       bool     `json:"auto_restart" env:"WAGATE_SESSION_AUTO_RESTART"`
	RestartBackoff    Duration `json:"restart_backoff" env:"WAGATE_SESSION_RESTART_BACKOFF"`
	RestartBackoffMax Duration `json:"restart_backoff_max" env:"WAGATE_SESSION_RESTART_BACKOFF_MAX"`
	InitDelay         Duration `json:"init_delay" env:"WAGATE_SESSION_INIT_DELAY"`
	StartOnBoot       bool     `json:"start_on_boot" env:"WAGATE_SESSION_START_ON_BOOT"`
	PrintQR           bool     `json:"print_qr" env:"WAGATE_SESSION_PRINT_QR"`
}

type StorageConfig struct {
	Type        string `json:"type" env:"WAGATE_STORAGE_TYPE"`
	FilePath    string `json:"file_path" env:"WAGATE_STORAGE_FILE_PATH"`
	DatabaseURL string `json:"database_url" env:"WAGATE_STORAGE_DATABASE_URL"`
	SSLEnabled  bool   `json:"ssl_enabled" env:"WAGATE_STORAGE_SSL_ENABLED"`
}

type OutboxConfig struct {
	Enabled     bool   `json:"enabled" env:"WAGATE_OUTBOX_ENABLED"`
	Schedule    string `json:"schedule" env:"WAGATE_OUTBOX_SCHEDULE"`
	MaxAttempts int    `json:"max_attempts" env:"WAGATE_OUTBOX_MAX_ATTEMPTS"`
	BatchSize   int    `json:"batch_size" env:"WAGATE_OUTBOX_BATCH_SIZE"`
	// Retention drops delivered and abandoned records older than this.
	Retention Duration `json:"retention" env:"WAGATE_OUTBOX_RETENTION"`
}

type AllowListConfig struct {
	Path  string `json:"path" env:"WAGATE_ALLOWLIST_PATH"`
	Watch bool   `json:"watch" env:"WAGATE_ALLOWLIST_WATCH"`
}

type LogConfig struct {
	Level string `json:"level" env:"WAGATE_LOG_LEVEL"`
	File  string `json:"file" env:"WAGATE_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		AppName: "wagate",
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3000,
			MaxUploadMB: 16,
		},
		Webhook: WebhookConfig{
			Timeout:       Duration(10 * time.Second),
			Retries:       2,
			RetryWait:     Duration(500 * time.Millisecond),
			RetryMaxWait:  Duration(5 * time.Second),
			RatePerSecond: 20,
			Burst:         10,
			MaxInFlight:   16,
		},
		Session: SessionConfig{
			StoreDir:          "~/.wagate/sessions",
			CountryCode:       "62",
			GraceDelay:        Duration(5 * time.Second),
			PurgeRetries:      10,
			PurgeRetryDelay:   Duration(time.Second),
			RestartBackoff:    Duration(5 * time.Second),
			RestartBackoffMax: Duration(5 * time.Minute),
			StartOnBoot:       true,
		},
		Storage: StorageConfig{
			Type:     "file",
			FilePath: "~/.wagate/data",
		},
		Outbox: OutboxConfig{
			Enabled:     true,
			Schedule:    "* * * * *",
			MaxAttempts: 20,
			BatchSize:   100,
			Retention:   Duration(7 * 24 * time.Hour),
		},
		AllowList: AllowListConfig{
			Path:  "storage/permission.json",
			Watch: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath is ~/.wagate/config.json.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wagate", "config.json")
}

// LoadConfig reads path (a missing file is not an error), applies .env and
// environment overrides, then validates the result.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg, err := LoadConfigFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = DefaultConfig()
	} else if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.path = path

	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Save writes the config back to the file it was loaded from.
func (c *Config) Save() error {
	c.mu.RLock()
	path := c.path
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports configuration that would make the service unusable.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Webhook.BaseURL) == "" {
		problems = append(problems, "webhook.base_url (APIURL) is required")
	}
	if strings.TrimSpace(c.AppName) == "" && len(c.Tenants) == 0 {
		problems = append(problems, "app_name (APPNAME) or tenants is required")
	}
	switch c.Storage.Type {
	case "file", "sqlite", "postgres", "none":
	default:
		problems = append(problems, fmt.Sprintf("storage.type %q is not one of file, sqlite, postgres, none", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" && strings.TrimSpace(c.Storage.DatabaseURL) == "" {
		problems = append(problems, "storage.database_url is required for postgres storage")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Session.PurgeRetries < 0 {
		problems = append(problems, "session.purge_retries must not be negative")
	}
	if cc := c.Session.CountryCode; cc != "" && !validCountryCode(cc) {
		problems = append(problems, fmt.Sprintf("session.country_code %q must be digits without a leading 0", cc))
	}
	problems = append(problems, tenantCollisions(c.Tenants)...)

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validCountryCode(cc string) bool {
	if cc[0] == '0' {
		return false
	}
	for _, r := range cc {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// TenantStoreKey folds a tenant name the way device store files and
// Postgres schemas are named: lower case, anything outside [a-z0-9] as '_'.
// Tenants sharing a key would share credentials.
func TenantStoreKey(tenant string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(tenant) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func tenantCollisions(tenants []string) []string {
	var problems []string
	seen := make(map[string]string, len(tenants))
	for _, t := range tenants {
		key := TenantStoreKey(t)
		if prev, ok := seen[key]; ok {
			problems = append(problems, fmt.Sprintf("tenants %q and %q share session storage", prev, t))
			continue
		}
		seen[key] = t
	}
	return problems
}

// TenantNames returns the configured tenants, falling back to AppName.
func (c *Config) TenantNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Tenants) > 0 {
		return copyStringSlice(c.Tenants)
	}
	if c.AppName == "" {
		return nil
	}
	return []string{c.AppName}
}

// DefaultTenant is the tenant used when a request names none.
func (c *Config) DefaultTenant() string {
	names := c.TenantNames()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (c *Config) normalize() {
	c.Session.StoreDir = ExpandHome(c.Session.StoreDir)
	c.Storage.FilePath = ExpandHome(c.Storage.FilePath)
	c.Server.MediaDir = ExpandHome(c.Server.MediaDir)
	c.Log.File = ExpandHome(c.Log.File)
	c.Webhook.BaseURL = strings.TrimRight(strings.TrimSpace(c.Webhook.BaseURL), "/")

	tenants := c.Tenants[:0]
	for _, t := range c.Tenants {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	c.Tenants = tenants
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == '\\') {
		return home + path[1:]
	}
	return home
}

// Duration is a time.Duration that reads and writes as "5s" in JSON and env.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
