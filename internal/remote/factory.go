package remote

import (
	"fmt"
	"net/http"

	"worktrace/internal/config"
	"worktrace/internal/wt"
)

// NewRemoteFromConfig creates a Remote based on the remote config type.
func NewRemoteFromConfig(cfg config.RemoteConfig, client *http.Client) (wt.Remote, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRemote(), nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http remote requires endpoint to be set")
		}
		return NewHTTPClient(client, cfg.Endpoint, cfg.APIKey, cfg.AccessToken, cfg.CompressRequests), nil
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
