// Package resource defines the pluggable units that back up and recover one
// category of profile data, and the registry the backup service iterates.
package resource

import (
	"context"
	"fmt"
	"sort"

	"github.com/basekick-labs/keepsake/internal/manifest"
)

// Resource backs up and recovers one category of profile data.
//
// Backup returns the manifest entry for the resource: a JSON object describing
// what was staged, manifest.NullEntry when there was nothing to back up, or a nil
// Entry which the caller treats as a contract violation. Recover returns an entry
// for the deferred post-recovery pass, or nil/NullEntry when none is needed.
type Resource interface {
	Key() string
	Priority() int
	RequiresEncryption() bool
	Backup(ctx context.Context, stagingDir, profileDir string, encrypted bool) (manifest.Entry, error)
	Recover(ctx context.Context, entry manifest.Entry, recoveryDir, newProfileDir string) (manifest.Entry, error)
	Measure(ctx context.Context, profileDir string) error
	PostRecovery(ctx context.Context, entry manifest.Entry) error
}

// Registry is the fixed set of resources known to the backup service.
type Registry struct {
	byKey map[string]Resource
	keys  []string
}

// NewRegistry builds a registry, rejecting empty or duplicate keys.
func NewRegistry(resources ...Resource) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Resource, len(resources))}
	for _, res := range resources {
		if res == nil {
			return nil, fmt.Errorf("nil resource")
		}
		key := res.Key()
		if key == "" {
			return nil, fmt.Errorf("resource has empty key")
		}
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate resource key %q", key)
		}
		r.byKey[key] = res
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Get returns the resource registered under key.
func (r *Registry) Get(key string) (Resource, bool) {
	res, ok := r.byKey[key]
	return res, ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of registered resources.
func (r *Registry) Len() int {
	return len(r.keys)
}

// ByPriority returns the resources ordered by descending priority, ties broken by key.
func (r *Registry) ByPriority() []Resource {
	out := make([]Resource, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.byKey[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}
