package filter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
)

const (
	includeDirective = "include"
	commentPrefix    = "#"

	// maxIncludeDepth bounds nested includes.
	maxIncludeDepth = 16
)

// List is the set of blocking patterns consulted for every query. Readers
// never lock: the pattern slice is an immutable snapshot replaced as a whole.
type List struct {
	patterns atomic.Pointer[[]*Pattern]
	resolver Resolver

	// mu serializes writers so that concurrent appends are not lost.
	mu sync.Mutex
}

func NewList(resolver Resolver) *List {
	l := &List{resolver: resolver}
	l.patterns.Store(&[]*Pattern{})
	return l
}

func (l *List) snapshot() []*Pattern {
	return *l.patterns.Load()
}

// Matches reports whether any pattern fully matches domain.
func (l *List) Matches(domain string) bool {
	for _, p := range l.snapshot() {
		if p.Match(domain) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns, duplicates included.
func (l *List) Len() int {
	return len(l.snapshot())
}

// Patterns returns the raw lines of the current patterns.
func (l *List) Patterns() []string {
	snap := l.snapshot()
	out := make([]string, len(snap))
	for i, p := range snap {
		out[i] = p.String()
	}
	return out
}

// Clear drops every pattern.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns.Store(&[]*Pattern{})
}

// Add compiles line and appends it.
func (l *List) Add(line string) error {
	p, err := Compile(line)
	if err != nil {
		return err
	}
	l.publish(false, []*Pattern{p})
	return nil
}

// LoadFile appends the patterns of the filter file at path, expanding
// includes. Include failures only shrink the result.
func (l *List) LoadFile(ctx context.Context, path string) error {
	patterns, err := l.build(ctx, path)
	if err != nil {
		return err
	}
	l.publish(false, patterns)
	return nil
}

// Reload builds the patterns of path and swaps them in at once. On error the
// current patterns are kept.
func (l *List) Reload(ctx context.Context, path string) error {
	patterns, err := l.build(ctx, path)
	if err != nil {
		return err
	}
	l.publish(true, patterns)
	logger.Infof("Filter list %s loaded with %d patterns", path, len(patterns))
	return nil
}

func (l *List) publish(replace bool, patterns []*Pattern) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if replace {
		l.patterns.Store(&patterns)
		return
	}
	old := l.snapshot()
	next := make([]*Pattern, 0, len(old)+len(patterns))
	next = append(next, old...)
	next = append(next, patterns...)
	l.patterns.Store(&next)
}

func (l *List) build(ctx context.Context, path string) ([]*Pattern, error) {
	lines, err := readLocal(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter file: %w", err)
	}

	b := &builder{
		resolver: l.resolver,
		visiting: map[string]bool{path: true},
	}
	b.expand(ctx, lines, 0)
	return b.patterns, nil
}

type builder struct {
	resolver Resolver
	visiting map[string]bool
	patterns []*Pattern
}

func (b *builder) expand(ctx context.Context, lines []string, depth int) {
	for _, line := range lines {
		line = cleanLine(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(strings.ToLower(line), includeDirective) {
			b.include(ctx, strings.TrimSpace(line[len(includeDirective):]), depth)
			continue
		}

		p, err := Compile(line)
		if err != nil {
			logger.Warnf("Skipping filter line: %v", err)
			continue
		}
		b.patterns = append(b.patterns, p)
	}
}

func (b *builder) include(ctx context.Context, target string, depth int) {
	switch {
	case target == "":
		logger.Warnf("Include directive without target")
		return
	case depth >= maxIncludeDepth:
		logger.Warnf("Include %s skipped: nesting deeper than %d", target, maxIncludeDepth)
		return
	case b.visiting[target]:
		logger.Warnf("Include %s skipped: cycle", target)
		return
	case b.resolver == nil:
		return
	}

	b.visiting[target] = true
	defer delete(b.visiting, target)

	logger.Debugf("Resolving include %s", target)
	b.expand(ctx, b.resolver.Resolve(ctx, target), depth+1)
}

// cleanLine strips a trailing comment and surrounding whitespace.
func cleanLine(line string) string {
	if i := strings.Index(line, commentPrefix); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// WriteDefault creates the filter file at path from the built-in template
// when it does not exist yet.
func WriteDefault(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to create filter file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(defaultFilter); err != nil {
		return false, fmt.Errorf("failed to write filter file: %w", err)
	}
	return true, nil
}
