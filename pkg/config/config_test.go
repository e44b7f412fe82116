package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Feed struct {
		BaseURL        string        `mapstructure:"base_url"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"feed"`
	Relay struct {
		NotifyOnEnd bool `mapstructure:"notify_on_end"`
	} `mapstructure:"relay"`
}

const sampleYAML = `
feed:
  base_url: wss://example.invalid
  connect_timeout: 3s
relay:
  notify_on_end: true
`

func TestLoad_ReadsYAMLAndDurations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfgtest.yaml"), []byte(sampleYAML), 0644))

	var out sample
	v, err := Load("cfgtest", &out, dir)
	require.NoError(t, err)

	assert.Equal(t, "wss://example.invalid", out.Feed.BaseURL)
	assert.Equal(t, 3*time.Second, out.Feed.ConnectTimeout)
	assert.True(t, out.Relay.NotifyOnEnd)
	assert.Equal(t, filepath.Join(dir, "cfgtest.yaml"), v.ConfigFileUsed())
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfgtest.yaml"), []byte(sampleYAML), 0644))
	t.Setenv("CFGTEST_FEED_BASE_URL", "wss://override.invalid")

	var out sample
	_, err := Load("cfgtest", &out, dir)
	require.NoError(t, err)

	assert.Equal(t, "wss://override.invalid", out.Feed.BaseURL)
}

func TestLoad_MissingFile(t *testing.T) {
	var out sample
	_, err := Load("does-not-exist", &out, t.TempDir())
	assert.Error(t, err)
}
