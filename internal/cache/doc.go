/*
Package cache provides the entry cache that maps filesystem paths onto remote
object ids.

The remote store only knows ids and per-folder listings, so every path
operation starts by resolving the path here:

	/docs/reports/q3.pdf
	  │
	  ├── "/"               root entry, fetched once, never evicted
	  ├── "/docs"           from the listing of "/"
	  ├── "/docs/reports"   from the listing of "/docs"
	  └── ".../q3.pdf"      from the listing of "/docs/reports"

# Indexes

Each entry is stored once, in a record keyed by id. Two indexes point at it:
path -> id for resolution, and the record's own path for id -> path lookups
used when applying change notifications.

# Freshness

A folder is either listed or not. A listed folder's children are exactly the
result of its last full listing plus entries installed since by Put, so a
name missing from a listed folder is reported as NOT_FOUND without a remote
call. Nothing is populated lazily: a folder becomes listed only by a complete
ListChildren response.

Invalidate drops an entry with its subtree and clears the listed marker of
the containing folder. Refresh lists a folder again even when its listing is
still trusted.

# Concurrency

One mutex guards all state and is never held across a remote call. Concurrent
listings of the same folder are merged with singleflight. The shared listing
is not cancelled by any one caller; each caller stops waiting when its own
context is done. A listing that was
in flight while the cache mutated is handed back to its callers but not
installed, so it can never overwrite newer information.
*/
package cache
