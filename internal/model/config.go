package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig is the on-disk form of one account entry.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-visible label for the account.
	Name string `mapstructure:"name" yaml:"name"`

	// Protocol selects the inbound protocol: "imap" or "pop3".
	Protocol string `mapstructure:"protocol" yaml:"protocol"`

	// Auth selects the authentication method: "password" or "oauth2".
	Auth string `mapstructure:"auth" yaml:"auth"`

	// Address is the account's email address.
	Address string `mapstructure:"address" yaml:"address"`

	// CredentialRef is the key under which the secret (password or
	// OAuth refresh token) is stored in the system keyring.
	CredentialRef string `mapstructure:"credential_ref" yaml:"credential_ref"`

	Inbound    Endpoint `mapstructure:"inbound" yaml:"inbound"`
	Submission Endpoint `mapstructure:"submission" yaml:"submission"`

	// PollIntervalSec is how often (in seconds) to run a sync cycle.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// SyncConfig tunes the coordinator's retry behavior.
type SyncConfig struct {
	BackoffBaseSec int `mapstructure:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffCapSec  int `mapstructure:"backoff_cap_sec" yaml:"backoff_cap_sec"`
	MaxAttempts    int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// FlagConflict selects the flag reconciliation policy:
	// "local-wins" (default) or "server-wins".
	FlagConflict string `mapstructure:"flag_conflict" yaml:"flag_conflict"`
}

// OAuthConfig holds the OAuth2 client registration used by oauth2
// accounts. A single registration is shared across accounts; Gmail is
// the expected provider.
type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url" yaml:"auth_url"`
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url"`
	RedirectURL  string   `mapstructure:"redirect_url" yaml:"redirect_url"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DatabasePath string          `mapstructure:"database_path" yaml:"database_path"`
	Accounts     []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync         SyncConfig      `mapstructure:"sync" yaml:"sync"`
	OAuth        OAuthConfig     `mapstructure:"oauth" yaml:"oauth"`
}

// Account converts a config entry into the runtime Account value.
func (c AccountConfig) Account() Account {
	poll := time.Duration(c.PollIntervalSec) * time.Second
	if poll <= 0 {
		poll = 5 * time.Minute
	}
	return Account{
		ID:            c.ID,
		Name:          c.Name,
		Protocol:      Protocol(c.Protocol),
		Auth:          AuthMethod(c.Auth),
		Address:       c.Address,
		CredentialRef: c.CredentialRef,
		Inbound:       c.Inbound,
		Submission:    c.Submission,
		PollInterval:  poll,
	}
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailden/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailden", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	return &AppConfig{
		DatabasePath: filepath.Join(home, ".local", "share", "mailden", "mail.db"),
		Sync: SyncConfig{
			BackoffBaseSec: 2,
			BackoffCapSec:  300,
			MaxAttempts:    5,
			FlagConflict:   "local-wins",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("sync.backoff_base_sec", 2)
	v.SetDefault("sync.backoff_cap_sec", 300)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.flag_conflict", "local-wins")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].PollIntervalSec == 0 {
			cfg.Accounts[i].PollIntervalSec = 300
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database_path", cfg.DatabasePath)
	v.Set("accounts", cfg.Accounts)
	v.Set("sync", cfg.Sync)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
