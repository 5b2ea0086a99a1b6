package dnsproxy

import (
	"time"

	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
)

type EventKind int

const (
	EventReceived EventKind = iota
	EventPassed
	EventBlocked
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReceived:
		return "received"
	case EventPassed:
		return "passed"
	case EventBlocked:
		return "blocked"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by the serving goroutine for every query step and for
// failures.
type Event struct {
	Kind   EventKind
	Domain string
	// Blocked is the classification, set on EventReceived.
	Blocked bool
	Err     error
	Time    time.Time
}

// Listener receives events synchronously on the serving goroutine. OnEvent
// must return quickly and must not panic; a panic is recovered and logged.
type Listener interface {
	OnEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}

func (s *Server) notify(ev Event) {
	ev.Time = time.Now()

	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		deliver(l, ev)
	}
}

func deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Event listener panicked on %s event: %v", ev.Kind, r)
		}
	}()
	l.OnEvent(ev)
}
