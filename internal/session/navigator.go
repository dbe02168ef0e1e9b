package session

import (
	"net/url"
	"sync"
)

// Navigator is the address bar: it exposes the current URL and can replace
// it without adding a history entry.
type Navigator interface {
	Current() *url.URL
	Replace(u *url.URL)
}

type URLNavigator struct {
	mu      sync.Mutex
	current *url.URL
	history []string
}

func NewURLNavigator(raw string) (*URLNavigator, error) {
	nav := &URLNavigator{}
	if raw == "" {
		return nav, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	nav.current = u
	return nav, nil
}

func (n *URLNavigator) Current() *url.URL {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return nil
	}
	clone := *n.current
	return &clone
}

func (n *URLNavigator) Replace(u *url.URL) {
	if u == nil {
		return
	}
	clone := *u
	n.mu.Lock()
	n.current = &clone
	n.history = append(n.history, clone.String())
	n.mu.Unlock()
}

// String returns the current URL or "" when none is set.
func (n *URLNavigator) String() string {
	if u := n.Current(); u != nil {
		return u.String()
	}
	return ""
}

// Replacements returns every URL passed to Replace, oldest first.
func (n *URLNavigator) Replacements() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.history...)
}
