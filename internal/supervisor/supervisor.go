package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Roman-Samoilenko/dnsblock/internal/api"
	"github.com/Roman-Samoilenko/dnsblock/internal/config"
	"github.com/Roman-Samoilenko/dnsblock/internal/dnsproxy"
	"github.com/Roman-Samoilenko/dnsblock/internal/filter"
	"github.com/Roman-Samoilenko/dnsblock/internal/hubctl"
	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
	"github.com/Roman-Samoilenko/dnsblock/internal/metrics"
)

// ErrNotRunning is returned by proxy controls used before Start or after Stop.
var ErrNotRunning = errors.New("supervisor not running")

type Supervisor struct {
	cfg         *config.Config
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	filters     *filter.List
	proxy       *dnsproxy.Server
	registry    *prometheus.Registry
	iptablesMgr *hubctl.IPTablesManager
	running     bool
	mu          sync.Mutex
}

func New(cfg *config.Config) (*Supervisor, error) {
	filters := filter.NewList(filter.NewSourceResolver(cfg.Filter.IncludeTimeout))

	proxy, err := dnsproxy.NewServer(cfg.DNS, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to create dns proxy: %w", err)
	}

	registry := prometheus.NewRegistry()
	proxy.Subscribe(metrics.NewCollector(registry, proxy.IsRunning))

	s := &Supervisor{
		cfg:      cfg,
		filters:  filters,
		proxy:    proxy,
		registry: registry,
	}
	if cfg.Redirect.Enabled {
		s.iptablesMgr = hubctl.NewIPTablesManager(cfg.Redirect.Port, cfg.ListenPort())
	}
	return s, nil
}

// Subscribe forwards proxy events to l.
func (s *Supervisor) Subscribe(l dnsproxy.Listener) {
	s.proxy.Subscribe(l)
}

func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	// Each run gets its own context.
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	s.running = true
	s.mu.Unlock()

	logger.Infof("Starting supervisor...")

	if err := s.filters.Reload(ctx, s.cfg.Filter.File); err != nil {
		s.setStopped()
		return err
	}

	if err := s.proxy.Start(ctx); err != nil {
		s.setStopped()
		return fmt.Errorf("failed to start dns proxy: %w", err)
	}

	if s.iptablesMgr != nil {
		if err := s.iptablesMgr.Setup(); err != nil {
			logger.Errorf("DNS redirection unavailable: %v", err)
		}
	}

	if s.cfg.API.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := api.Start(ctx, s.cfg.API, s, s.registry); err != nil {
				logger.Errorf("API server error: %v", err)
			}
		}()
	}

	if s.cfg.Filter.Watch {
		w, err := newFilterWatcher(s.cfg.Filter.File, s.Reload)
		if err != nil {
			logger.Errorf("Filter file watch unavailable: %v", err)
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				w.run(ctx)
			}()
		}
	}

	logger.Successf("Supervisor started successfully")
	return nil
}

func (s *Supervisor) setStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = nil, nil
	s.running = false
}

// runContext is the context of the current run, nil when stopped.
func (s *Supervisor) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	logger.Infof("Stopping supervisor...")

	s.proxy.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.proxy.Done()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("All services stopped")
	case <-time.After(s.shutdownTimeout()):
		logger.Warnf("Shutdown timeout, the proxy may still wait on its upstream")
	}

	if s.iptablesMgr != nil {
		if err := s.iptablesMgr.Cleanup(); err != nil {
			logger.Errorf("iptables cleanup error: %v", err)
		}
	}

	s.setStopped()

	logger.Successf("Supervisor stopped successfully")
	return nil
}

func (s *Supervisor) shutdownTimeout() time.Duration {
	return 2*s.cfg.DNS.PollInterval + s.cfg.DNS.UpstreamTimeout + config.DefaultShutdownTimeout
}

func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reload rebuilds the filter list from the configured file and swaps it in.
func (s *Supervisor) Reload() error {
	ctx := s.runContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return s.filters.Reload(ctx, s.cfg.Filter.File)
}

// FilterFile is the path reloads read from.
func (s *Supervisor) FilterFile() string {
	return s.cfg.Filter.File
}

// StartProxy restarts the DNS proxy after StopProxy or a fatal error.
func (s *Supervisor) StartProxy() error {
	ctx := s.runContext()
	if ctx == nil {
		return ErrNotRunning
	}
	return s.proxy.Start(ctx)
}

func (s *Supervisor) StopProxy() {
	s.proxy.Stop()
}

func (s *Supervisor) ProxyRunning() bool {
	return s.proxy.IsRunning()
}

// ListenAddr is the address the proxy is bound to, or the configured one
// while it is stopped.
func (s *Supervisor) ListenAddr() string {
	if addr := s.proxy.LocalAddr(); addr != nil {
		return addr.String()
	}
	return s.cfg.DNS.Listen
}

func (s *Supervisor) SetBlockAll(v bool) {
	s.proxy.SetBlockAll(v)
}

func (s *Supervisor) SetDiagnosis(v bool) {
	s.proxy.SetDiagnosis(v)
}

func (s *Supervisor) SetUpstream(ip string) error {
	return s.proxy.SetUpstream(ip)
}

func (s *Supervisor) SetUpstreamPort(port int) error {
	return s.proxy.SetUpstreamPort(port)
}

func (s *Supervisor) Status() api.Status {
	st := s.proxy.Settings()
	status := api.Status{
		Running:    s.proxy.IsRunning(),
		Listen:     s.ListenAddr(),
		Upstream:   st.UpstreamAddr().String(),
		BlockAll:   st.BlockAll,
		Diagnosis:  st.Diagnosis,
		FilterFile: s.cfg.Filter.File,
		Patterns:   s.filters.Len(),
	}
	if err := s.proxy.Err(); err != nil {
		status.LastError = err.Error()
	}
	return status
}
