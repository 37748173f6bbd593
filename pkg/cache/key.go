package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key describes a logical resource and produces its cache key string.
type Key struct {
	// Resource is the logical resource name (e.g., "products", "categories")
	Resource string

	// Params are identifying parameters (e.g., {"id": "42"})
	Params map[string]string

	// Query are list/filter parameters (e.g., {"category": "12", "page": "1"})
	Query url.Values

	// Scope separates per-user resources such as the cart (empty for public data)
	Scope string
}

// String generates a deterministic cache key string.
// Format: resource:param1=val1:query1=val1:scope=abc
//
// Example:
//
//	products:category=12:page=1
func (k Key) String() string {
	parts := []string{}

	resource := strings.Trim(k.Resource, "/")
	if resource != "" {
		parts = append(parts, resource)
	}

	// Params and query are sorted for determinism
	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, k.Params[name]))
		}
	}

	if len(k.Query) > 0 {
		names := make([]string, 0, len(k.Query))
		for name := range k.Query {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, strings.Join(k.Query[name], ",")))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}
