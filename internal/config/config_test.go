package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)

		require.Equal(t, "https://www.wainao.me", cfg.Site.BaseURL)
		require.Equal(t, "wainao", cfg.Spider.Output)
		require.Equal(t, 4, cfg.Spider.Workers)
		require.Equal(t, "127.0.0.1:3334", cfg.Web.Addr)
		require.Equal(t, "whynot_data", cfg.Web.Data)
		require.Equal(t, 30*time.Second, cfg.Spider.Timeout())
		require.Equal(t, 500*time.Millisecond, cfg.Spider.PolitenessDelay())
		require.Equal(t, "www.wainao.me", cfg.SiteHost())
		require.Equal(t, []string{"https://www.wainao.me"}, cfg.SeedURLs())
	})

	t.Run("config file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "whynot.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
site:
  base_url: https://example.org
spider:
  output: mirror
  workers: 8
  seeds:
    - https://example.org/archive
classifier:
  host: cdn.example.org
web:
  addr: 0.0.0.0:8080
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, "mirror", cfg.Spider.Output)
		require.Equal(t, 8, cfg.Spider.Workers)
		require.Equal(t, "0.0.0.0:8080", cfg.Web.Addr)
		require.Equal(t, "cdn.example.org", cfg.SiteHost())
		require.Equal(t, []string{"https://example.org/archive"}, cfg.SeedURLs())
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("WHYNOT_WEB_ADDR", "127.0.0.1:9999")
		cfg, err := Load("")
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:9999", cfg.Web.Addr)
	})

	t.Run("missing config file errors", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("relative base url rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Site.BaseURL = "/just/a/path"
		require.Error(t, cfg.Validate())
	})

	t.Run("zero workers rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Spider.Workers = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("empty output rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Spider.Output = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("empty data dir rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Web.Data = ""
		require.Error(t, cfg.Validate())
	})
}
