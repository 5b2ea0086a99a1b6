package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/Roman-Samoilenko/dnsblock/internal/config"
	"github.com/Roman-Samoilenko/dnsblock/internal/dnsproxy"
)

func testConfig(t *testing.T, filterBody string) *config.Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "filter.txt")
	require.NoError(t, os.WriteFile(path, []byte(filterBody), 0o644))

	cfg := config.Default()
	cfg.DNS.Listen = "127.0.0.1:0"
	cfg.DNS.Upstream = "127.0.0.1"
	cfg.DNS.UpstreamPort = 1
	cfg.DNS.UpstreamTimeout = 100 * time.Millisecond
	cfg.DNS.PollInterval = 20 * time.Millisecond
	cfg.DNS.Diagnosis = false
	cfg.Filter.File = path
	return cfg
}

func query(t *testing.T, s *Supervisor, name string) *dns.Msg {
	t.Helper()

	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	client := &dns.Client{Net: "udp", Timeout: time.Second}
	resp, _, err := client.Exchange(msg, s.ListenAddr())
	require.NoError(t, err)
	return resp
}

func TestSupervisorLifecycle(t *testing.T) {
	cfg := testConfig(t, "blocked.com\n*.ads.net\n")
	s, err := New(cfg)
	require.NoError(t, err)

	events := make(chan dnsproxy.Event, 16)
	s.Subscribe(dnsproxy.ListenerFunc(func(ev dnsproxy.Event) {
		select {
		case events <- ev:
		default:
		}
	}))

	require.NoError(t, s.Start())
	require.True(t, s.IsRunning())
	require.Error(t, s.Start())

	status := s.Status()
	require.True(t, status.Running)
	require.Equal(t, 2, status.Patterns)
	require.Equal(t, "127.0.0.1:1", status.Upstream)

	resp := query(t, s, "x.ads.net")
	require.Equal(t, dns.RcodeNameError, resp.Rcode)

	s.SetBlockAll(true)
	require.True(t, s.Status().BlockAll)
	require.Equal(t, dns.RcodeNameError, query(t, s, "anything.org").Rcode)

	s.StopProxy()
	require.Eventually(t, func() bool { return !s.ProxyRunning() }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.StartProxy())
	require.True(t, s.ProxyRunning())

	require.NoError(t, s.Stop())
	require.False(t, s.IsRunning())
	require.False(t, s.ProxyRunning())
	require.NotEmpty(t, events)
}

func TestSupervisorReload(t *testing.T) {
	cfg := testConfig(t, "one.com\n")
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, os.WriteFile(cfg.Filter.File, []byte("one.com\ntwo.com\n"), 0o644))
	require.NoError(t, s.Reload())
	require.Equal(t, 2, s.Status().Patterns)
	require.Equal(t, dns.RcodeNameError, query(t, s, "two.com").Rcode)
}

func TestSupervisorWatchReloads(t *testing.T) {
	cfg := testConfig(t, "one.com\n")
	cfg.Filter.Watch = true
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, os.WriteFile(cfg.Filter.File, []byte("one.com\ntwo.com\nthree.com\n"), 0o644))
	require.Eventually(t, func() bool {
		return s.Status().Patterns == 3
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSupervisorMissingFilterFile(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Filter.File = filepath.Join(t.TempDir(), "absent.txt")

	s, err := New(cfg)
	require.NoError(t, err)
	require.Error(t, s.Start())
	require.False(t, s.IsRunning())
}

func TestNewRejectsBadUpstream(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.DNS.Upstream = "resolver.local"
	_, err := New(cfg)
	require.ErrorIs(t, err, dnsproxy.ErrInvalidUpstream)
}

func TestSupervisorRestartAfterStop(t *testing.T) {
	cfg := testConfig(t, "blocked.com\n")
	s, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.StartProxy(), ErrNotRunning)
	require.False(t, s.ProxyRunning())

	require.NoError(t, s.Start())
	defer s.Stop()

	// A run started on a dead context would exit at its first poll.
	time.Sleep(3 * cfg.DNS.PollInterval)
	require.True(t, s.ProxyRunning())
	require.Equal(t, dns.RcodeNameError, query(t, s, "blocked.com").Rcode)

	s.StopProxy()
	require.Eventually(t, func() bool { return !s.ProxyRunning() }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.StartProxy())
	time.Sleep(3 * cfg.DNS.PollInterval)
	require.True(t, s.ProxyRunning())
}
