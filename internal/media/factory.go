package media

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/afero"

	"worktrace/internal/config"
	"worktrace/internal/wt"
)

// NewMediaStoreFromConfig creates a MediaStore based on the media config
// type. enc is only used when cfg.Media.Encrypt is set.
func NewMediaStoreFromConfig(ctx context.Context, cfg *config.Config, client *http.Client, enc wt.Encryptor) (wt.MediaStore, error) {
	var store wt.MediaStore
	switch cfg.Media.Type {
	case "memory":
		store = NewMemoryStore("memory://" + cfg.Media.Bucket)
	case "http":
		if cfg.Remote.Endpoint == "" {
			return nil, fmt.Errorf("http media store requires remote.endpoint to be set")
		}
		store = NewHTTPStore(client, cfg.Remote.Endpoint, cfg.Media.Bucket, cfg.Remote.APIKey, cfg.Remote.AccessToken)
	case "s3":
		s3Store, err := NewS3Store(ctx, cfg.Media)
		if err != nil {
			return nil, err
		}
		store = s3Store
	case "filesystem":
		if cfg.Media.FSRoot == "" {
			return nil, fmt.Errorf("filesystem media store requires fs_root to be set")
		}
		fsStore, err := NewFileSystemStore(afero.NewOsFs(), cfg.Media.FSRoot)
		if err != nil {
			return nil, err
		}
		store = fsStore
	default:
		return nil, fmt.Errorf("unknown media type: %s", cfg.Media.Type)
	}

	if cfg.Media.Encrypt {
		if enc == nil || !enc.IsConfigured() {
			return nil, fmt.Errorf("media encryption enabled but no keys are configured; run 'wt keys init'")
		}
		store = NewEncryptingStore(store, enc)
	}
	if cfg.Media.Prefix != "" {
		store = NewPrefixStore(store, strings.TrimRight(cfg.Media.Prefix, "/")+"/")
	}
	return store, nil
}
