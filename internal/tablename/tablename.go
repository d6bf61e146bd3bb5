// Package tablename derives destination table names from object keys.
//
// Files are dropped under a top-level prefix naming their logical grouping,
// e.g. "orders/2024-01.csv" belongs to the "orders" table. Only the first
// path segment is used; everything below it is free-form.
package tablename

import (
	"fmt"
	"strings"
)

// maxIdentifierLen matches the Postgres identifier limit (NAMEDATALEN-1).
const maxIdentifierLen = 63

// FromKey derives the destination table name from an object key.
// The key must contain at least one '/' separating the table prefix from the
// file name, and the prefix must form a usable identifier.
func FromKey(key string) (string, error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("key %q does not match <table>/<file>", key)
	}

	name := Sanitize(parts[0])
	if name == "" {
		return "", fmt.Errorf("key prefix %q contains no identifier characters", parts[0])
	}
	return name, nil
}

// Sanitize converts a raw name into a safe lowercase identifier: letters,
// digits and underscores, starting with a letter or underscore. Characters
// outside that set become underscores. Returns "" if nothing usable remains.
func Sanitize(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	name := strings.Trim(b.String(), "_")
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	if len(name) > maxIdentifierLen {
		name = name[:maxIdentifierLen]
	}
	return name
}
