package proxy

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// DefaultIgnoredMethods are the HTTP methods excluded from capture
// unless overridden.
var DefaultIgnoredMethods = []string{http.MethodOptions}

// ScopeFilter decides which exchanges are captured and which CONNECT
// targets bypass TLS interception. Filtering affects capture and
// interception only: out-of-scope traffic is still forwarded.
type ScopeFilter struct {
	mu sync.RWMutex

	scopes       []*regexp.Regexp
	ignoreMethod map[string]bool
	excludeHosts []string
	disabled     bool
}

// NewScopeFilter builds a filter. Each scope is an uncompiled regular
// expression matched against full request URLs; an empty list captures
// everything. methods lists HTTP methods to skip; nil applies
// DefaultIgnoredMethods, an empty non-nil slice ignores none.
func NewScopeFilter(scopes []string, methods []string, excludeHosts []string) (*ScopeFilter, error) {
	f := &ScopeFilter{
		ignoreMethod: make(map[string]bool),
		excludeHosts: excludeHosts,
	}

	if err := f.SetScopes(scopes); err != nil {
		return nil, err
	}

	if methods == nil {
		methods = DefaultIgnoredMethods
	}
	for _, m := range methods {
		f.ignoreMethod[strings.ToUpper(m)] = true
	}

	return f, nil
}

// SetScopes replaces the capture scopes at runtime.
func (f *ScopeFilter) SetScopes(scopes []string) error {
	compiled := make([]*regexp.Regexp, 0, len(scopes))
	for _, s := range scopes {
		re, err := regexp.Compile(s)
		if err != nil {
			return fmt.Errorf("%w: scope %q: %v", ErrConfiguration, s, err)
		}
		compiled = append(compiled, re)
	}

	f.mu.Lock()
	f.scopes = compiled
	f.mu.Unlock()
	return nil
}

// Scopes returns the current scope patterns.
func (f *ScopeFilter) Scopes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, len(f.scopes))
	for i, re := range f.scopes {
		out[i] = re.String()
	}
	return out
}

// SetDisabled turns capture off (or back on) entirely.
func (f *ScopeFilter) SetDisabled(disabled bool) {
	f.mu.Lock()
	f.disabled = disabled
	f.mu.Unlock()
}

// InScope reports whether an exchange with the given method and full
// URL should be captured and intercepted.
func (f *ScopeFilter) InScope(method, url string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.disabled {
		return false
	}
	if f.ignoreMethod[strings.ToUpper(method)] {
		return false
	}
	if len(f.scopes) == 0 {
		return true
	}
	for _, re := range f.scopes {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// ExcludedHost reports whether a CONNECT target must be tunneled as
// opaque bytes instead of intercepted. Matching is case-insensitive:
// exact hostname or suffix on a label boundary, port ignored.
func (f *ScopeFilter) ExcludedHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, entry := range f.excludeHosts {
		entry = strings.ToLower(strings.TrimSpace(entry))
		entry = strings.TrimPrefix(entry, ".")
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
