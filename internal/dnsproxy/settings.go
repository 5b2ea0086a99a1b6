package dnsproxy

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrAlreadyRunning  = errors.New("dns proxy already running")
	ErrInvalidUpstream = errors.New("invalid upstream")
)

// Settings are the values that may change while the proxy runs. Each query
// reads one consistent snapshot.
type Settings struct {
	Upstream     netip.Addr
	UpstreamPort int
	BlockAll     bool
	Diagnosis    bool
}

// UpstreamAddr is the address non-blocked queries are forwarded to.
func (s Settings) UpstreamAddr() netip.AddrPort {
	return netip.AddrPortFrom(s.Upstream, uint16(s.UpstreamPort))
}

// ParseUpstream accepts a dotted-quad IPv4 address only.
func ParseUpstream(ip string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidUpstream, ip)
	}
	return addr, nil
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidUpstream, port)
	}
	return nil
}

// Settings returns the current snapshot.
func (s *Server) Settings() Settings {
	return *s.settings.Load()
}

func (s *Server) update(fn func(*Settings)) {
	for {
		old := s.settings.Load()
		next := *old
		fn(&next)
		if s.settings.CompareAndSwap(old, &next) {
			return
		}
	}
}

// SetUpstream changes the resolver queries are forwarded to.
func (s *Server) SetUpstream(ip string) error {
	addr, err := ParseUpstream(ip)
	if err != nil {
		return err
	}
	s.update(func(st *Settings) { st.Upstream = addr })
	return nil
}

func (s *Server) SetUpstreamPort(port int) error {
	if err := validPort(port); err != nil {
		return err
	}
	s.update(func(st *Settings) { st.UpstreamPort = port })
	return nil
}

func (s *Server) SetBlockAll(v bool) {
	s.update(func(st *Settings) { st.BlockAll = v })
}

func (s *Server) SetDiagnosis(v bool) {
	s.update(func(st *Settings) { st.Diagnosis = v })
}
