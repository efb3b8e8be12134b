// Package util holds small helpers with no better home.
package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed, lexically sortable identifier. Session keys and
// other transient handles use it; document ids are caller-supplied UUIDs and
// never come from here.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
