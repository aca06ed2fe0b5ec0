// Package hba evaluates host-based-access rules: the ordered list of
// (source, database, user, method) predicates PostgreSQL's own pg_hba.conf
// encodes, reduced to what a pooler needs to decide how an incoming
// connection must authenticate, or whether it is rejected outright.
package hba

import (
	"fmt"
	"net"
	"strings"

	"github.com/pgmux/pgmux/internal/auth"
)

// Rule is one ordered HBA entry. The first rule whose predicates all match
// wins; an empty list, user list or database list means "any".
type Rule struct {
	Type       string // "host", "hostssl", "hostnossl", "local"
	Databases  []string
	Users      []string
	Network    *net.IPNet
	Method     auth.Method
	Reject     bool // true for an explicit deny rule
}

// Table is an ordered, immutable set of rules evaluated top to bottom.
type Table struct {
	rules []Rule
}

// NewTable builds a Table from already-parsed rules.
func NewTable(rules []Rule) *Table {
	return &Table{rules: append([]Rule(nil), rules...)}
}

// Request describes the connection attempt being checked against the table.
type Request struct {
	RemoteAddr net.IP
	TLS        bool
	User       string
	Database   string
}

// ErrNoMatch is returned when no rule in the table matches a request; callers
// should treat this the same as an explicit reject.
var ErrNoMatch = fmt.Errorf("hba: no matching rule, connection rejected")

// Evaluate returns the authentication method required for req, or an error
// if no rule matches (implicit deny) or the matching rule rejects outright.
func (t *Table) Evaluate(req Request) (auth.Method, error) {
	for _, rule := range t.rules {
		if !rule.matches(req) {
			continue
		}
		if rule.Reject {
			return 0, fmt.Errorf("hba: connection rejected by rule for user %q database %q", req.User, req.Database)
		}
		return rule.Method, nil
	}
	return 0, ErrNoMatch
}

func (r Rule) matches(req Request) bool {
	if r.Type == "hostssl" && !req.TLS {
		return false
	}
	if r.Type == "hostnossl" && req.TLS {
		return false
	}
	if !matchesList(r.Databases, req.Database) {
		return false
	}
	if !matchesList(r.Users, req.User) {
		return false
	}
	if r.Network != nil && req.RemoteAddr != nil && !r.Network.Contains(req.RemoteAddr) {
		return false
	}
	return true
}

func matchesList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if entry == "all" || entry == value {
			return true
		}
	}
	return false
}

// ParseMethod maps the configuration's method names to auth.Method.
func ParseMethod(s string) (auth.Method, error) {
	switch strings.ToLower(s) {
	case "trust":
		return auth.MethodTrust, nil
	case "password", "cleartext":
		return auth.MethodCleartext, nil
	case "md5":
		return auth.MethodMD5, nil
	case "scram-sha-256":
		return auth.MethodScram, nil
	default:
		return 0, fmt.Errorf("hba: unknown auth method %q", s)
	}
}

// ParseNetwork parses a CIDR (or bare IP, treated as a /32 or /128) from
// configuration.
func ParseNetwork(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("hba: invalid address %q", s)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		s = fmt.Sprintf("%s/%d", s, bits)
	}
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("hba: invalid network %q: %w", s, err)
	}
	return network, nil
}
