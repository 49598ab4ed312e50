package kyc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"icreserve/crypto"
)

// Gate reports whether an account may hold and move the issued currency. The
// core never caches the answer; it asks on every call because approval can
// change between calls.
type Gate interface {
	IsApproved(account string) bool
}

// GateFunc adapts a function to Gate.
type GateFunc func(account string) bool

// IsApproved implements Gate.
func (f GateFunc) IsApproved(account string) bool {
	if f == nil {
		return false
	}
	return f(account)
}

// DenyAll rejects every account.
var DenyAll Gate = GateFunc(func(string) bool { return false })

// Config seeds an Allowlist.
type Config struct {
	Approved []string `yaml:"approved" toml:"approved"`
}

// Normalise trims whitespace, removes duplicates, lowercases and sorts the
// approved list.
func (cfg Config) Normalise() Config {
	if len(cfg.Approved) == 0 {
		return Config{}
	}
	trimmed := make([]string, 0, len(cfg.Approved))
	seen := make(map[string]struct{}, len(cfg.Approved))
	for _, raw := range cfg.Approved {
		normalized := strings.ToLower(strings.TrimSpace(raw))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		trimmed = append(trimmed, normalized)
	}
	sort.Strings(trimmed)
	return Config{Approved: trimmed}
}

// Allowlist is a mutable in-process approval set standing in for the external
// identity service. It is safe for concurrent use.
type Allowlist struct {
	mu       sync.RWMutex
	approved map[string]struct{}
}

// NewAllowlist builds an allowlist from configuration, rejecting entries that
// are not valid account addresses.
func NewAllowlist(cfg Config) (*Allowlist, error) {
	normalized := cfg.Normalise()
	list := &Allowlist{approved: make(map[string]struct{}, len(normalized.Approved))}
	for _, entry := range normalized.Approved {
		if err := list.Approve(entry); err != nil {
			return nil, fmt.Errorf("kyc: approved entry %q: %w", entry, err)
		}
	}
	return list, nil
}

// Approve marks account as approved.
func (l *Allowlist) Approve(account string) error {
	canonical, err := crypto.CanonicalAccount(account)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.approved[canonical] = struct{}{}
	l.mu.Unlock()
	return nil
}

// Revoke withdraws approval for account.
func (l *Allowlist) Revoke(account string) error {
	canonical, err := crypto.CanonicalAccount(account)
	if err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.approved, canonical)
	l.mu.Unlock()
	return nil
}

// IsApproved implements Gate.
func (l *Allowlist) IsApproved(account string) bool {
	if l == nil {
		return false
	}
	canonical, err := crypto.CanonicalAccount(account)
	if err != nil {
		return false
	}
	l.mu.RLock()
	_, ok := l.approved[canonical]
	l.mu.RUnlock()
	return ok
}

// Approved returns the approved accounts in sorted order.
func (l *Allowlist) Approved() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.approved))
	for account := range l.approved {
		out = append(out, account)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}
