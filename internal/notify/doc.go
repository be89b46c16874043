/*
Package notify reconciles remote change notifications into the entry cache.

A Reconciler is disabled until the first watcher registers. It then
subscribes to a Source and applies each event:

	Deleted(id)  the cached path of id is invalidated
	Changed(id)  the cached path is invalidated and its parent relisted

Events about objects the cache has never seen are dropped. Two sources are
provided: Poller, which polls a remote.ChangeFeed, and SSESource, which
reads a server-sent-events stream and reconnects with exponential backoff.

Events carry no ordering guarantee relative to operations issued through the
driver; a notification may arrive before or after the cache update of the
operation that caused it.
*/
package notify
