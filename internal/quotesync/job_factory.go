package quotesync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type JobStoreFactory func(dsn string, shards int) (JobStore, error)

var jobStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]JobStoreFactory
}{
	factories: map[string]JobStoreFactory{},
}

// RegisterJobStoreFactory makes scheme resolvable by BuildJobStoreFromDSN,
// taking precedence over the built-in schemes.
func RegisterJobStoreFactory(scheme string, factory JobStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	jobStoreRegistry.mu.Lock()
	defer jobStoreRegistry.mu.Unlock()
	jobStoreRegistry.factories[scheme] = factory
}

func lookupJobStoreFactory(scheme string) (JobStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	jobStoreRegistry.mu.RLock()
	defer jobStoreRegistry.mu.RUnlock()
	factory, ok := jobStoreRegistry.factories[scheme]
	return factory, ok
}

// BuildJobStoreFromDSN picks a job store by URL scheme. An empty DSN yields an
// in-memory store.
func BuildJobStoreFromDSN(dsn string, shards int) (JobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryJobStore(shards), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupJobStoreFactory(scheme); ok {
		return factory(dsn, shards)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryJobStore(shards), nil
	case "postgres", "postgresql":
		return NewPostgresJobStore(dsn, shards)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: job store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job store scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
