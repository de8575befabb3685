// Package blocklist answers whether a sender must never be archived.
// The core only consumes the verdict; list maintenance lives elsewhere.
package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Oracle reports whether a sender address or its domain is blocked.
type Oracle interface {
	IsBlocked(ctx context.Context, sender string) (bool, error)
}

// Static is an in-memory oracle over exact addresses and bare domains.
// Matching is case-insensitive; a domain entry blocks every address at
// that domain.
type Static struct {
	mu      sync.RWMutex
	entries map[string]struct{}
}

// NewStatic builds an oracle from the given entries. Entries may be full
// addresses ("ceo@example.com") or domains ("example.com").
func NewStatic(entries []string) *Static {
	s := &Static{entries: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			s.entries[e] = struct{}{}
		}
	}
	return s
}

// IsBlocked implements Oracle.
func (s *Static) IsBlocked(_ context.Context, sender string) (bool, error) {
	addr := extractAddress(sender)
	if addr == "" {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.entries[addr]; ok {
		return true, nil
	}
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		if _, ok := s.entries[addr[at+1:]]; ok {
			return true, nil
		}
	}
	return false, nil
}

// FromFile loads a blocklist file: one address or domain per line, blank
// lines and #-comments ignored.
func FromFile(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return NewStatic(entries), nil
}

// extractAddress pulls the bare address out of forms like
// `Name <a@b.com>` and lowercases it.
func extractAddress(sender string) string {
	addr := sender
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
