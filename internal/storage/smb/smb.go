// Package smb serves an SMB/CIFS share that is already mounted on the host
// (mount.cifs or fstab). All I/O goes through the local filesystem backend
// at the mount point; the share settings are kept for reference only.
package smb

import (
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/storage/local"
)

const backendType = "smb"

// Config holds SMB backend settings.
type Config struct {
	Server    string `json:"server"` // e.g. //server/share
	Username  string `json:"username"`
	Password  string `json:"password"`
	Domain    string `json:"domain"`
	MountPath string `json:"mount_path"`
	// PublicBaseURL is prefixed to object keys to build public URLs.
	PublicBaseURL string `json:"public_base_url,omitempty"`
}

// Backend is a LocalBackend rooted at the share's mount point.
type Backend struct {
	*local.LocalBackend
	config Config
}

// New creates an SMB backend. The mount point must already exist; a missing
// mount is an error rather than an empty directory on the host disk.
func New(cfg Config) (*Backend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	lb, err := local.New(local.Config{
		RootPath:      cfg.MountPath,
		PublicBaseURL: cfg.PublicBaseURL,
		BackendType:   backendType,
	})
	if err != nil {
		return nil, fmt.Errorf("smb share %s at %s: %w", cfg.Server, cfg.MountPath, err)
	}

	return &Backend{LocalBackend: lb, config: cfg}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// Server returns the configured share path.
func (b *Backend) Server() string { return b.config.Server }

var (
	_ storage.Adapter       = (*Backend)(nil)
	_ storage.Renamer       = (*Backend)(nil)
	_ storage.FolderCreator = (*Backend)(nil)
)
