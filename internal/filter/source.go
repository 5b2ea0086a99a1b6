package filter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
)

// Resolver returns the raw lines behind an include target.
type Resolver interface {
	Resolve(ctx context.Context, target string) []string
}

// SourceResolver reads include targets from the local filesystem and falls
// back to fetching them over HTTP.
type SourceResolver struct {
	client *http.Client
}

func NewSourceResolver(timeout time.Duration) *SourceResolver {
	return &SourceResolver{
		client: &http.Client{Timeout: timeout},
	}
}

// Resolve returns the lines of target. An existing local path is read from
// disk; anything else is POSTed to as a URL with an empty body. Every failure
// yields no lines.
func (r *SourceResolver) Resolve(ctx context.Context, target string) []string {
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		lines, err := readLocal(target)
		if err == nil {
			return lines
		}
		logger.Warnf("Failed to read include %s: %v", target, err)
	}

	lines, err := r.fetch(ctx, target)
	if err != nil {
		logger.Warnf("Include %s skipped: %v", target, err)
		return nil
	}
	return lines
}

func readLocal(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readLines(f)
}

func (r *SourceResolver) fetch(ctx context.Context, target string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return readLines(resp.Body)
}

func readLines(rd io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
