package methodology

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory Registry for tests and local development.
type MemoryRegistry struct {
	mu       sync.RWMutex
	versions map[string]Version
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{versions: make(map[string]Version)}
}

func (r *MemoryRegistry) Register(ctx context.Context, v Version) error {
	if err := v.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.versions[v.Version]; exists {
		return fmt.Errorf("methodology: version %s already registered", v.Version)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	v.Status = StatusDeprecated
	r.versions[v.Version] = v
	return nil
}

func (r *MemoryRegistry) Activate(ctx context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.versions {
		if existing.Status == StatusActive && existing.Version != version {
			return fmt.Errorf("%w: %s", ErrAlreadyActive, existing.Version)
		}
	}
	v, ok := r.versions[version]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	v.Status = StatusActive
	r.versions[version] = v
	return nil
}

func (r *MemoryRegistry) Deprecate(ctx context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[version]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	v.Status = StatusDeprecated
	r.versions[version] = v
	return nil
}

func (r *MemoryRegistry) ResolveActive(ctx context.Context) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions {
		if v.Status == StatusActive {
			return v, nil
		}
	}
	return Version{}, ErrNotConfigured
}

func (r *MemoryRegistry) Get(ctx context.Context, version string) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[version]
	if !ok {
		return Version{}, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	return v, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Version, 0, len(r.versions))
	for _, v := range r.versions {
		out = append(out, v)
	}
	sortVersions(out)
	return out, nil
}
