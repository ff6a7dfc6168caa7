// Package backends instantiates storage adapters by backend type.
package backends

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/storage/local"
	s3backend "github.com/fruitsalade/storage-browser/internal/storage/s3"
	sftpbackend "github.com/fruitsalade/storage-browser/internal/storage/sftp"
	"github.com/fruitsalade/storage-browser/internal/storage/smb"
	"github.com/fruitsalade/storage-browser/internal/storage/supabase"
)

// Types lists the backend types NewAdapterFromConfig understands.
var Types = []string{"s3", "supabase", "local", "sftp", "smb"}

// NewAdapterFromConfig creates an Adapter from a backend type string and JSON config.
func NewAdapterFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.Adapter, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "supabase":
		return supabase.NewBackendFromJSON(config)
	case "local":
		return local.NewFromJSON(config)
	case "sftp":
		return sftpbackend.NewFromJSON(ctx, config)
	case "smb":
		return smb.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

var _ storage.AdapterFactory = NewAdapterFromConfig
