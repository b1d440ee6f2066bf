package catalog

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

// SnapshotStoreFactory builds a store from a DSN. key isolates profiles that
// share one backend.
type SnapshotStoreFactory func(dsn, key string) (SnapshotStore, error)

var snapshotFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SnapshotStoreFactory
}{
	factories: map[string]SnapshotStoreFactory{},
}

func RegisterSnapshotStoreFactory(scheme string, factory SnapshotStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	snapshotFactoryRegistry.mu.Lock()
	defer snapshotFactoryRegistry.mu.Unlock()
	snapshotFactoryRegistry.factories[scheme] = factory
}

func lookupSnapshotStoreFactory(scheme string) (SnapshotStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	snapshotFactoryRegistry.mu.RLock()
	defer snapshotFactoryRegistry.mu.RUnlock()
	factory, ok := snapshotFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildSnapshotStoreFromDSN selects a snapshot backend: a bare path or
// file:// URL, memory://, or postgres://. An empty DSN yields nil. A file
// DSN names a template: with a key, the store lives next to it in
// "<key>-<name>", so profiles sharing one DSN never share a file.
func BuildSnapshotStoreFromDSN(dsn, key string) (SnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupSnapshotStoreFactory(scheme); ok {
		return factory(dsn, key)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileSnapshotStore(keyedPath(path, key)), nil
	case "memory", "mem", "inmem":
		return NewInMemorySnapshotStore(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotStore(dsn, key)
	default:
		return nil, fmt.Errorf("unsupported snapshot store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return filepath.Clean(raw), nil
	}
	path := parsed.Path
	if parsed.Host != "" && parsed.Host != "localhost" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty file path in %q", ErrInvalidInput, raw)
	}
	return filepath.Clean(path), nil
}

func keyedPath(path, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return path
	}
	return filepath.Join(filepath.Dir(path), key+"-"+filepath.Base(path))
}
