/*
Package metrics collects boxfs metrics and serves them in Prometheus format.

A single Collector satisfies the metrics hooks of the driver, the entry
cache, the transfer bridge and the change notification reconciler, so it is
passed once through driver.Config and handed down from there:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "boxfs",
	})
	if err != nil {
		return err
	}
	d, err := driver.New(ctx, client, &driver.Config{Metrics: collector})

Exported series:

	boxfs_operations_total{operation,status}
	boxfs_operation_duration_seconds{operation}
	boxfs_errors_total{operation,code}
	boxfs_entry_cache_requests_total{type}
	boxfs_transfer_bytes_total{direction,status}
	boxfs_transfer_duration_seconds{direction}
	boxfs_change_events_total{kind,outcome}
	boxfs_open_handles

Errors are labeled with their pkg/errors code. A disabled collector accepts
every call and records nothing.
*/
package metrics
