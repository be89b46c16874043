/*
Package types provides the data structures shared across boxfs.

boxfs presents an ID-addressed remote store (folders and files known by opaque
ids) as a hierarchical filesystem. The layers are:

	┌─────────────────────────────────────────────┐
	│              FUSE Interface                 │
	│          (cmd/boxfs, internal/fuse)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                  Driver                     │
	│            (internal/driver)                │
	└─────────────────────────────────────────────┘
	          │            │               │
	┌─────────┴───┐ ┌──────┴─────┐ ┌───────┴──────┐
	│ Entry Cache │ │  Transfer  │ │  Reconciler  │
	│   (cache)   │ │ (transfer) │ │   (notify)   │
	└─────────────┘ └────────────┘ └──────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   Remote client (remote/memory, storage/s3) │
	└─────────────────────────────────────────────┘

# Entries

Entry is the unit every layer exchanges. Its ID is stable across renames and
moves; Name and ParentID are not. Entries are immutable once published: the
cache replaces pointers instead of editing fields, so a caller holding an
Entry never observes a torn update.

Permissions carries optional capability flags. A nil flag is "unknown" and is
treated as allowed by access checks.

# Events

Event is a change notification from the remote, either EventChanged or
EventDeleted, keyed by entry id.
*/
package types
