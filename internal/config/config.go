// Package config loads configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/storage/local"
	s3storage "github.com/fruitsalade/storage-browser/internal/storage/s3"
	"github.com/fruitsalade/storage-browser/internal/storage/sftp"
	"github.com/fruitsalade/storage-browser/internal/storage/smb"
	"github.com/fruitsalade/storage-browser/internal/storage/supabase"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (optional; without it a single location is built from env)
	DatabaseURL string

	// Storage backend ("s3", "supabase", "local" or "sftp", default: "local")
	StorageBackend string

	// S3 storage
	S3Endpoint      string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3Region        string
	S3UseSSL        bool
	S3PublicBaseURL string

	// Supabase storage
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	// Local storage
	LocalStoragePath   string
	LocalPublicBaseURL string

	// SFTP storage
	SFTPHost     string
	SFTPPort     int
	SFTPUser     string
	SFTPPassword string
	SFTPRoot     string
	SFTPHostKey  string

	// SMB share, pre-mounted at SMBMountPath
	SMBServer    string
	SMBUsername  string
	SMBPassword  string
	SMBDomain    string
	SMBMountPath string

	// Uploads
	MaxUploadSize int64

	// Public URLs from presigning backends expire after this long.
	PublicURLExpiry time.Duration

	// Transient listing failures are retried this many times in total (1 = no retry).
	ListRetryAttempts int

	// Backend-touching requests allowed per session per minute (0 = unlimited).
	SessionRateLimit int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		DatabaseURL:        envOr("DATABASE_URL", ""),
		StorageBackend:     envOr("STORAGE_BACKEND", "local"),
		S3Endpoint:         envOr("S3_ENDPOINT", ""),
		S3Bucket:           envOr("S3_BUCKET", ""),
		S3AccessKey:        envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:        envOr("S3_SECRET_KEY", ""),
		S3Region:           envOr("S3_REGION", "us-east-1"),
		S3UseSSL:           envBool("S3_USE_SSL", true),
		S3PublicBaseURL:    envOr("S3_PUBLIC_BASE_URL", ""),
		SupabaseURL:        envOr("SUPABASE_URL", ""),
		SupabaseKey:        envOr("SUPABASE_KEY", ""),
		SupabaseBucket:     envOr("SUPABASE_BUCKET", ""),
		LocalStoragePath:   envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		LocalPublicBaseURL: envOr("LOCAL_PUBLIC_BASE_URL", ""),
		SFTPHost:           envOr("SFTP_HOST", ""),
		SFTPPort:           envInt("SFTP_PORT", 22),
		SFTPUser:           envOr("SFTP_USER", ""),
		SFTPPassword:       envOr("SFTP_PASSWORD", ""),
		SFTPRoot:           envOr("SFTP_ROOT", ""),
		SFTPHostKey:        envOr("SFTP_HOST_KEY", ""),
		SMBServer:          envOr("SMB_SERVER", ""),
		SMBUsername:        envOr("SMB_USERNAME", ""),
		SMBPassword:        envOr("SMB_PASSWORD", ""),
		SMBDomain:          envOr("SMB_DOMAIN", ""),
		SMBMountPath:       envOr("SMB_MOUNT_PATH", ""),
		MaxUploadSize:      envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		PublicURLExpiry:    envDuration("PUBLIC_URL_EXPIRY", 15*time.Minute),
		ListRetryAttempts:  envInt("LIST_RETRY_ATTEMPTS", 3),
		SessionRateLimit:   envInt("SESSION_RATE_LIMIT", 600),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs. With a
// database configured the backend keys are only used to seed the first
// location, so they are still checked.
func (c *Config) Validate() error {
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.ListRetryAttempts < 1 {
		return fmt.Errorf("LIST_RETRY_ATTEMPTS must be at least 1")
	}
	if c.SessionRateLimit < 0 {
		return fmt.Errorf("SESSION_RATE_LIMIT must not be negative")
	}

	switch c.StorageBackend {
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
		if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
		}
	case "supabase":
		if c.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required for the supabase backend")
		}
		if c.SupabaseKey == "" {
			return fmt.Errorf("SUPABASE_KEY is required for the supabase backend")
		}
		if c.SupabaseBucket == "" {
			return fmt.Errorf("SUPABASE_BUCKET is required for the supabase backend")
		}
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required for the local backend")
		}
	case "sftp":
		if c.SFTPHost == "" || c.SFTPUser == "" {
			return fmt.Errorf("SFTP_HOST and SFTP_USER are required for the sftp backend")
		}
		if c.SFTPHostKey == "" {
			return fmt.Errorf("SFTP_HOST_KEY is required for the sftp backend")
		}
	case "smb":
		if c.SMBMountPath == "" {
			return fmt.Errorf("SMB_MOUNT_PATH is required for the smb backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}

// DefaultLocation builds the location row for the env-configured backend.
func (c *Config) DefaultLocation() (storage.LocationRow, error) {
	var backendConfig any
	switch c.StorageBackend {
	case "s3":
		backendConfig = s3storage.BackendConfig{
			Endpoint:         c.S3Endpoint,
			Bucket:           c.S3Bucket,
			AccessKey:        c.S3AccessKey,
			SecretKey:        c.S3SecretKey,
			Region:           c.S3Region,
			UseSSL:           c.S3UseSSL,
			PublicBaseURL:    c.S3PublicBaseURL,
			URLExpirySeconds: int(c.PublicURLExpiry / time.Second),
			MaxRenameBytes:   c.MaxUploadSize,
		}
	case "supabase":
		backendConfig = supabase.BackendConfig{
			URL:    c.SupabaseURL,
			Key:    c.SupabaseKey,
			Bucket: c.SupabaseBucket,
		}
	case "local":
		backendConfig = local.Config{
			RootPath:      c.LocalStoragePath,
			CreateDirs:    true,
			PublicBaseURL: c.LocalPublicBaseURL,
		}
	case "sftp":
		backendConfig = sftp.Config{
			Host:     c.SFTPHost,
			Port:     c.SFTPPort,
			User:     c.SFTPUser,
			Password: c.SFTPPassword,
			HostKey:  c.SFTPHostKey,
			Root:     c.SFTPRoot,
		}
	case "smb":
		backendConfig = smb.Config{
			Server:        c.SMBServer,
			Username:      c.SMBUsername,
			Password:      c.SMBPassword,
			Domain:        c.SMBDomain,
			MountPath:     c.SMBMountPath,
			PublicBaseURL: c.LocalPublicBaseURL,
		}
	default:
		return storage.LocationRow{}, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	raw, err := json.Marshal(backendConfig)
	if err != nil {
		return storage.LocationRow{}, fmt.Errorf("encode %s config: %w", c.StorageBackend, err)
	}
	return storage.LocationRow{
		ID:          1,
		Name:        "Default " + c.StorageBackend,
		BackendType: c.StorageBackend,
		Config:      raw,
		IsDefault:   true,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
