package stepstore

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(dsn, token string) (AssessmentStore, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN selects the remote store: memory:// for a process-local
// store, postgres:// for a direct database connection, or http(s):// for the
// store service. token is only used by the HTTP client.
func BuildStoreFromDSN(dsn, token string, httpClient *http.Client) (AssessmentStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, token)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "http", "https":
		return NewHTTPClient(dsn, token, httpClient), nil
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: remote store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported remote store scheme: %s", scheme)
	}
}
