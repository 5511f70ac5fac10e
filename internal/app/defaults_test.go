package app

import (
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
)

func TestDefaultPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  map[string]string
		want Paths
	}{
		{
			name: "environment overrides",
			env:  map[string]string{"WT_CONFIG_PATH": "/etc/wt.toml", "WT_HOME": "/srv/wt"},
			want: Paths{ConfigFile: "/etc/wt.toml", BaseDir: "/srv/wt"},
		},
		{
			name: "xdg fallback",
			want: Paths{
				ConfigFile: filepath.Join(xdg.ConfigHome, "worktrace", "config.toml"),
				BaseDir:    filepath.Join(xdg.DataHome, "worktrace"),
			},
		},
		{
			name: "only home set",
			env:  map[string]string{"WT_HOME": "/srv/wt"},
			want: Paths{
				ConfigFile: filepath.Join(xdg.ConfigHome, "worktrace", "config.toml"),
				BaseDir:    "/srv/wt",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := DefaultPaths(func(k string) string { return tt.env[k] })
			if got != tt.want {
				t.Errorf("DefaultPaths() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
