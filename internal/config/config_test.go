package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 53, cfg.ListenPort())
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dns:
  listen: "127.0.0.1:5353"
  upstream: "9.9.9.9"
  upstream_port: 5300
  block_all: true
  poll_interval: 250ms
  upstream_timeout: 2s
filter:
  file: /etc/dnsblock/filter.txt
  watch: true
logging:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:5353", cfg.DNS.Listen)
	require.Equal(t, "9.9.9.9", cfg.DNS.Upstream)
	require.Equal(t, 5300, cfg.DNS.UpstreamPort)
	require.True(t, cfg.DNS.BlockAll)
	require.True(t, cfg.DNS.Diagnosis)
	require.Equal(t, 250*time.Millisecond, cfg.DNS.PollInterval)
	require.Equal(t, 2*time.Second, cfg.DNS.UpstreamTimeout)
	require.Equal(t, "/etc/dnsblock/filter.txt", cfg.Filter.File)
	require.True(t, cfg.Filter.Watch)
	require.Equal(t, DefaultIncludeTimeout, cfg.Filter.IncludeTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 5353, cfg.ListenPort())
}

func TestLoadFromFileInvalid(t *testing.T) {
	type testCase struct {
		name string
		body string
	}

	cases := []testCase{{
		name: "malformed yaml",
		body: "dns: [",
	}, {
		name: "upstream is not an ipv4 address",
		body: "dns:\n  upstream: dns.example.com\n",
	}, {
		name: "upstream port out of range",
		body: "dns:\n  upstream_port: 70000\n",
	}, {
		name: "zero poll interval",
		body: "dns:\n  poll_interval: 0s\n",
	}, {
		name: "unknown log level",
		body: "logging:\n  level: loud\n",
	}, {
		name: "redirect onto itself",
		body: "redirect:\n  enabled: true\n  port: 53\n",
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}
