package auth

import (
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/txn2/query-gateway/pkg/apierr"
)

// ProxyAuthorizer decides whether a connecting user may act as another
// identity.
type ProxyAuthorizer interface {
	VerifyProxyAccess(realUser, target, ipAddress string) error
}

// ProxyRule lets User impersonate any identity matching Targets when
// connecting from an address matching Hosts. Targets are path.Match globs;
// Hosts are CIDRs, literal addresses or globs. Empty Hosts allows every
// address.
type ProxyRule struct {
	User    string   `yaml:"user"`
	Targets []string `yaml:"targets"`
	Hosts   []string `yaml:"hosts"`
}

type compiledRule struct {
	targets []string
	nets    []*net.IPNet
	hosts   []string
}

// RuleAuthorizer evaluates ProxyRules. Users without a rule may only act
// as themselves.
type RuleAuthorizer struct {
	rules map[string][]compiledRule
}

// NewRuleAuthorizer validates and compiles rules.
func NewRuleAuthorizer(rules []ProxyRule) (*RuleAuthorizer, error) {
	a := &RuleAuthorizer{rules: make(map[string][]compiledRule)}
	for i, r := range rules {
		if r.User == "" {
			return nil, fmt.Errorf("proxy rule %d: user is required", i)
		}
		if len(r.Targets) == 0 {
			return nil, fmt.Errorf("proxy rule %d (%s): at least one target is required", i, r.User)
		}
		cr := compiledRule{}
		for _, t := range r.Targets {
			if _, err := path.Match(t, ""); err != nil {
				return nil, fmt.Errorf("proxy rule %d (%s): bad target pattern %q: %w", i, r.User, t, err)
			}
			cr.targets = append(cr.targets, t)
		}
		for _, h := range r.Hosts {
			if strings.Contains(h, "/") {
				_, ipNet, err := net.ParseCIDR(h)
				if err != nil {
					return nil, fmt.Errorf("proxy rule %d (%s): bad host cidr %q: %w", i, r.User, h, err)
				}
				cr.nets = append(cr.nets, ipNet)
				continue
			}
			if _, err := path.Match(h, ""); err != nil {
				return nil, fmt.Errorf("proxy rule %d (%s): bad host pattern %q: %w", i, r.User, h, err)
			}
			cr.hosts = append(cr.hosts, h)
		}
		a.rules[r.User] = append(a.rules[r.User], cr)
	}
	return a, nil
}

// VerifyProxyAccess returns an AuthError unless realUser may act as target
// from ipAddress.
func (a *RuleAuthorizer) VerifyProxyAccess(realUser, target, ipAddress string) error {
	if target == "" {
		return apierr.Authf("impersonation target is empty")
	}
	if target == realUser {
		return nil
	}
	for _, r := range a.rules[realUser] {
		if r.allowsTarget(target) && r.allowsHost(ipAddress) {
			return nil
		}
	}
	return apierr.Authf("user %s is not allowed to impersonate %s from %s", realUser, target, ipAddress)
}

func (r compiledRule) allowsTarget(target string) bool {
	for _, pattern := range r.targets {
		if ok, _ := path.Match(pattern, target); ok {
			return true
		}
	}
	return false
}

func (r compiledRule) allowsHost(ipAddress string) bool {
	if len(r.nets) == 0 && len(r.hosts) == 0 {
		return true
	}
	if ip := net.ParseIP(ipAddress); ip != nil {
		for _, n := range r.nets {
			if n.Contains(ip) {
				return true
			}
		}
	}
	for _, pattern := range r.hosts {
		if ok, _ := path.Match(pattern, ipAddress); ok {
			return true
		}
	}
	return false
}

// DenyAllAuthorizer rejects every impersonation.
type DenyAllAuthorizer struct{}

// VerifyProxyAccess allows only acting as oneself.
func (DenyAllAuthorizer) VerifyProxyAccess(realUser, target, ipAddress string) error {
	if target != "" && target == realUser {
		return nil
	}
	return apierr.Authf("impersonation is disabled: %s cannot act as %s from %s", realUser, target, ipAddress)
}

// Verify interface compliance.
var (
	_ ProxyAuthorizer = (*RuleAuthorizer)(nil)
	_ ProxyAuthorizer = DenyAllAuthorizer{}
)
