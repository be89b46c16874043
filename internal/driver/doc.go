// Package driver maps filesystem operations onto an ID-addressed remote store.
//
// Each mutating operation checks its preconditions against the entry cache,
// issues one remote call and then updates the cache with the authoritative
// response. A failed remote call leaves the cache untouched. Errors returned
// by the driver are *fs.PathError values wrapping exactly one pkg/errors code.
package driver
