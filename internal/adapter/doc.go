/*
Package adapter assembles a running boxfs instance from a configuration.

New builds, in order:

  - the logger (internal/logging), unless WithLogger supplies one
  - the metrics collector (internal/metrics)
  - the remote: the in-memory service or the S3-backed store, unless
    WithRemote supplies one
  - the change source: a poller over the remote's change feed, an SSE
    stream, or nothing when watch.mode is none
  - the driver and the FUSE mounter around it

Start serves metrics and mounts. Run does the same and then blocks until the
context is cancelled or the mount goes away, and shuts down through Stop.
Stop unmounts, closes the driver (which stops the reconciler) and stops the
metrics server; it is safe to call more than once.

# Remote URIs

ApplyRemoteURI lets a command line override the configured remote:

	memory://                   in-memory service, lost on exit
	s3://bucket                 S3 store at the default prefix
	s3://bucket/path/prefix     S3 store under path/prefix/

# Usage

	cfg := config.NewDefault()
	cfg.Mount.MountPoint = "/mnt/box"
	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
*/
package adapter
