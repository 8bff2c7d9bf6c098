// Package blob reads reference documents and prompt templates from object
// storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob not found")

// Store is a read-only key to text store.
type Store interface {
	// Get returns the text stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// List returns all keys beginning with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Head reports whether key exists.
	Head(ctx context.Context, key string) (bool, error)
}

// PolicyKey returns the key of a policy document: {set_lower}/{id}.md.
func PolicyKey(policySet, id string) string {
	return fmt.Sprintf("%s/%s.md", strings.ToLower(policySet), id)
}

// ValidKey rejects empty keys and keys that could escape a prefix.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
