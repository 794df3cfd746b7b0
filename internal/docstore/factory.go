package docstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)
type NotifierFactory func(dsn string) (Notifier, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	backends  map[string]BackendFactory
	notifiers map[string]NotifierFactory
}{
	backends:  map[string]BackendFactory{},
	notifiers: map[string]NotifierFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.backends[scheme] = factory
}

func RegisterNotifierFactory(scheme string, factory NotifierFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.notifiers[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.backends[normalizeScheme(scheme)]
	return factory, ok
}

func lookupNotifierFactory(scheme string) (NotifierFactory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.notifiers[normalizeScheme(scheme)]
	return factory, ok
}

func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "firebase":
		return NewFirebaseBackend(context.Background(), dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: document backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported document backend scheme: %s", scheme)
	}
}

func BuildNotifierFromDSN(dsn string) (Notifier, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewLocalNotifier(0), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupNotifierFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewLocalNotifier(0), nil
	case "redis", "rediss":
		return NewRedisNotifierFromURL(dsn)
	default:
		return nil, fmt.Errorf("unsupported notifier scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
