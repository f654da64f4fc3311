// Package paymail resolves paymail handles to payment destinations.
//
// A handle (alias@domain) is mapped to its host with a _bsvalias._tcp SRV
// lookup, optionally DNSSEC-validated, the host's .well-known/bsvalias
// document lists its capabilities, and the P2P payment destination (or the
// older basic address resolution) capability returns the locking scripts a
// payout must fund.
package paymail

import (
	"fmt"
	"strings"
)

// Handle is a parsed paymail handle.
type Handle struct {
	Alias  string
	Domain string
}

// String returns alias@domain.
func (h Handle) String() string {
	return h.Alias + "@" + h.Domain
}

// ParseHandle parses alias@domain. Both parts are lowercased; the domain
// must have at least two labels.
func ParseHandle(s string) (Handle, error) {
	s = strings.TrimSpace(s)
	alias, domain, ok := strings.Cut(s, "@")
	if !ok || strings.Contains(domain, "@") {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalidHandle, s)
	}
	alias = strings.ToLower(alias)
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")

	if alias == "" || len(alias) > 64 {
		return Handle{}, fmt.Errorf("%w: alias in %q", ErrInvalidHandle, s)
	}
	for _, r := range alias {
		if !isAliasRune(r) {
			return Handle{}, fmt.Errorf("%w: alias character %q", ErrInvalidHandle, r)
		}
	}
	if err := checkDomain(domain); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	return Handle{Alias: alias, Domain: domain}, nil
}

// IsHandle reports whether s parses as a handle.
func IsHandle(s string) bool {
	_, err := ParseHandle(s)
	return err == nil
}

func isAliasRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-', r == '+':
		return true
	}
	return false
}

func checkDomain(domain string) error {
	if len(domain) > 253 {
		return fmt.Errorf("domain longer than 253 characters")
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain %q has no dot", domain)
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return fmt.Errorf("domain %q has an empty or oversized label", domain)
		}
		if l[0] == '-' || l[len(l)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with a hyphen", l)
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return fmt.Errorf("label %q has character %q", l, r)
			}
		}
	}
	return nil
}
