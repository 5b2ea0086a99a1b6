package dnsproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Roman-Samoilenko/dnsblock/internal/config"
	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
	"github.com/Roman-Samoilenko/dnsblock/internal/wire"
)

// Matcher classifies a domain as blocked.
type Matcher interface {
	Matches(domain string) bool
}

// Server relays UDP DNS queries to one upstream resolver and answers blocked
// domains itself. Queries are handled one at a time by a single goroutine
// that owns both sockets.
type Server struct {
	listen          string
	pollInterval    time.Duration
	upstreamTimeout time.Duration
	filter          Matcher

	settings atomic.Pointer[Settings]
	stop     atomic.Bool
	running  atomic.Bool

	mu        sync.Mutex
	listeners []Listener
	localAddr net.Addr
	done      chan struct{}
	lastErr   error
}

func NewServer(cfg config.DNSConfig, filter Matcher, listeners ...Listener) (*Server, error) {
	upstream, err := ParseUpstream(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	if err := validPort(cfg.UpstreamPort); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}

	s := &Server{
		listen:          cfg.Listen,
		pollInterval:    cfg.PollInterval,
		upstreamTimeout: cfg.UpstreamTimeout,
		filter:          filter,
		listeners:       listeners,
	}
	s.settings.Store(&Settings{
		Upstream:     upstream,
		UpstreamPort: cfg.UpstreamPort,
		BlockAll:     cfg.BlockAll,
		Diagnosis:    cfg.Diagnosis,
	})

	done := make(chan struct{})
	close(done)
	s.done = done

	return s, nil
}

// Subscribe adds a listener for subsequent events.
func (s *Server) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(append([]Listener{}, s.listeners...), l)
}

// Start binds the sockets and serves in a new goroutine. Bind failures are
// returned directly. The loop ends on Stop, on ctx cancellation or on a
// fatal socket error; the two former are noticed at the next poll boundary.
func (s *Server) Start(ctx context.Context) error {
	in, out, err := s.bind()
	if err != nil {
		s.bindFailed(err)
		return err
	}
	go func() {
		_ = s.serve(ctx, in, out)
	}()
	return nil
}

// Serve is Start that blocks until the loop ends.
func (s *Server) Serve(ctx context.Context) error {
	in, out, err := s.bind()
	if err != nil {
		s.bindFailed(err)
		return err
	}
	return s.serve(ctx, in, out)
}

// Stop asks the loop to end. It returns immediately.
func (s *Server) Stop() {
	s.stop.Store(true)
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Done is closed when the current run has ended.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the fatal error that ended the last run, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LocalAddr is the bound listening address while running.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

func (s *Server) bind() (*net.UDPConn, *net.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil, nil, ErrAlreadyRunning
	}

	laddr, err := net.ResolveUDPAddr("udp", s.listen)
	if err != nil {
		s.lastErr = fmt.Errorf("resolve listen address %s: %w", s.listen, err)
		return nil, nil, s.lastErr
	}
	in, err := net.ListenUDP("udp", laddr)
	if err != nil {
		s.lastErr = fmt.Errorf("listen on %s: %w", s.listen, err)
		return nil, nil, s.lastErr
	}
	out, err := net.ListenUDP("udp", nil)
	if err != nil {
		in.Close()
		s.lastErr = fmt.Errorf("open upstream socket: %w", err)
		return nil, nil, s.lastErr
	}

	s.localAddr = in.LocalAddr()
	s.lastErr = nil
	s.done = make(chan struct{})
	s.stop.Store(false)
	s.running.Store(true)

	return in, out, nil
}

func (s *Server) bindFailed(err error) {
	if errors.Is(err, ErrAlreadyRunning) {
		return
	}
	logger.Errorf("DNS proxy failed to start: %v", err)
	s.notify(Event{Kind: EventError, Err: err})
}

func (s *Server) serve(ctx context.Context, in, out *net.UDPConn) error {
	logger.Infof("DNS proxy listening on %s", in.LocalAddr())

	err := s.loop(ctx, in, out)

	in.Close()
	out.Close()

	s.mu.Lock()
	s.lastErr = err
	s.localAddr = nil
	done := s.done
	s.running.Store(false)
	s.mu.Unlock()

	if err != nil {
		logger.Errorf("DNS proxy stopped: %v", err)
		s.notify(Event{Kind: EventError, Err: err})
	} else {
		logger.Infof("DNS proxy stopped")
	}
	close(done)

	return err
}

func (s *Server) loop(ctx context.Context, in, out *net.UDPConn) error {
	// Reused for every query and every upstream reply.
	buf := make([]byte, wire.MaxPacketSize)

	for !s.stop.Load() {
		if ctx.Err() != nil {
			return nil
		}

		if err := in.SetReadDeadline(time.Now().Add(s.pollInterval)); err != nil {
			return fmt.Errorf("set poll deadline: %w", err)
		}
		n, client, err := in.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("receive query: %w", err)
		}

		if err := s.handle(in, out, buf, n, client); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handle(in, out *net.UDPConn, buf []byte, n int, client *net.UDPAddr) error {
	domain := wire.QueryDomain(buf, n)
	st := s.settings.Load()

	blocked := st.BlockAll || s.filter.Matches(domain)

	if st.Diagnosis {
		logger.Query(domain, blocked)
	}
	s.notify(Event{Kind: EventReceived, Domain: domain, Blocked: blocked})

	if blocked {
		wire.Block(buf)
		if _, err := in.WriteToUDP(buf[:n], client); err != nil {
			return fmt.Errorf("send block response to %s: %w", client, err)
		}
		s.notify(Event{Kind: EventBlocked, Domain: domain})
		return nil
	}

	upstream := net.UDPAddrFromAddrPort(st.UpstreamAddr())
	id := [2]byte{buf[0], buf[1]}
	if _, err := out.WriteToUDP(buf[:n], upstream); err != nil {
		return fmt.Errorf("forward %s to %s: %w", domain, upstream, err)
	}

	// Without an upstream timeout this waits for as long as the upstream
	// stays silent and Stop is not noticed meanwhile.
	var deadline time.Time
	if s.upstreamTimeout > 0 {
		deadline = time.Now().Add(s.upstreamTimeout)
	}
	if err := out.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set upstream deadline: %w", err)
	}
	m, err := readReply(out, buf, st.UpstreamAddr(), id)
	if err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("upstream %s did not answer %s within %v", upstream, domain, s.upstreamTimeout)
			logger.Warnf("%v", err)
			s.notify(Event{Kind: EventError, Domain: domain, Err: err})
			return nil
		}
		return fmt.Errorf("receive upstream reply: %w", err)
	}

	if _, err := in.WriteToUDP(buf[:m], client); err != nil {
		return fmt.Errorf("relay reply to %s: %w", client, err)
	}
	s.notify(Event{Kind: EventPassed, Domain: domain})
	return nil
}

// readReply reads the upstream answer carrying the forwarded query's ID.
// Anything else, such as a late answer to a query that timed out, is dropped.
// The read deadline already set on out bounds the whole wait.
func readReply(out *net.UDPConn, buf []byte, upstream netip.AddrPort, id [2]byte) (int, error) {
	for {
		m, from, err := out.ReadFromUDPAddrPort(buf)
		if err != nil {
			return 0, err
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if from != upstream || m < 2 || buf[0] != id[0] || buf[1] != id[1] {
			logger.Debugf("Dropping stray datagram from %s", from)
			continue
		}
		return m, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
