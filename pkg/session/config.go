package session

import (
	"context"
	"fmt"
	"time"
)

// Config holds session storage configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "file", "redis", "firestore"
	// Default: "file"
	Store string `yaml:"store"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.autoyou/sessions
	BaseDir string `yaml:"base_dir"`

	// Redis holds Redis backend settings.
	Redis RedisSettings `yaml:"redis,omitempty"`

	// Firestore holds Firestore backend settings.
	Firestore FirestoreSettings `yaml:"firestore,omitempty"`
}

// RedisSettings is the YAML shape of Redis backend settings.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	// TTL is the session expiry duration (e.g. "720h", empty = never expire).
	TTL string `yaml:"ttl,omitempty"`
}

// FirestoreSettings is the YAML shape of Firestore backend settings.
type FirestoreSettings struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	Collection      string `yaml:"collection,omitempty"`
}

// DefaultConfig returns the default session storage configuration.
func DefaultConfig() Config {
	return Config{
		Store: "file",
	}
}

// NewBackend builds a storage backend from config.
func NewBackend(ctx context.Context, cfg Config) (StorageBackend, error) {
	switch cfg.Store {
	case "", "file":
		return NewFileBackend(cfg.BaseDir)
	case "redis":
		var ttl time.Duration
		if cfg.Redis.TTL != "" {
			parsed, err := time.ParseDuration(cfg.Redis.TTL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis ttl %q: %w", cfg.Redis.TTL, err)
			}
			ttl = parsed
		}
		return NewRedisBackend(RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			SessionTTL: ttl,
		})
	case "firestore":
		return NewFirestoreBackend(ctx, FirestoreConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
			Collection:      cfg.Firestore.Collection,
		})
	default:
		return nil, fmt.Errorf("unknown session store: %s", cfg.Store)
	}
}
