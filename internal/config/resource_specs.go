package config

import (
	"fmt"
	"strings"
)

// ResourceSpec names a resource and the profile-relative paths it covers.
type ResourceSpec struct {
	Key   string
	Paths []string
}

// ParseResourceSpecs parses resource configuration entries.
// Format: ["key:path1,path2", ...]
// Keys must be unique within the list and every entry needs at least one path.
func ParseResourceSpecs(entries []string) ([]ResourceSpec, error) {
	specs := make([]ResourceSpec, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid resource format: %s (expected 'key:path1,path2')", entry)
		}

		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("empty resource key in: %s", entry)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate resource key: %s", key)
		}
		seen[key] = true

		var paths []string
		for _, p := range strings.Split(parts[1], ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				paths = append(paths, p)
			}
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("resource %s lists no paths", key)
		}

		specs = append(specs, ResourceSpec{Key: key, Paths: paths})
	}

	return specs, nil
}
