// Package idgen generates the ids of stored rules and logged
// notifications.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns time-ordered RFC 9562 version 7 UUIDs, so ids sort in
// creation order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns prefix1, prefix2, ... Safe for concurrent use; meant for
// tests that need predictable ids.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string { return prefix + strconv.FormatInt(n.Add(1), 10) }
}

// Default is UUIDv7.
var Default = UUIDv7()

// New returns an id from Default.
func New() string { return Default() }
