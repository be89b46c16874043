/*
Package s3 stores an ID-addressed file tree in an S3 bucket.

Store implements remote.Client and remote.ChangeFeed, so a bucket can stand in
for a hosted service with stable ids. Every entry gets a generated id; names
only live in the manifest of the parent folder, which keeps renames and moves
to a couple of small manifest writes regardless of the subtree size.

# Object layout

	<prefix>items/<id>.json                 entry metadata
	<prefix>folders/<id>.json               ordered child entries of a folder
	<prefix>blobs/<id>                      file content
	<prefix>events/<unixnano>-<id>.json     change journal

The journal is what Changes pages through. Cursors are journal object names,
which sort by time, so ListObjectsV2 with StartAfter yields every record
written after the cursor.

# Reliability

Each request runs under a retry.Retryer wrapped around a circuit breaker.
SDK-level retries are disabled so that every attempt is visible to the breaker.
SDK errors are translated into the error taxonomy: missing keys become
NOT_FOUND, throttling and 5xx answers TRANSIENT, credential problems FATAL.

# Accelerated uploads

With Accelerated set, file content goes through the CargoShip transporter,
which parallelizes multipart uploads for large blobs. When it fails the store
logs the failure, counts a fallback event and retries with PutObject.

# Usage

	cfg := s3.NewDefaultConfig()
	cfg.Bucket = "my-bucket"
	cfg.Logger = logger

	store, err := s3.New(ctx, cfg)
	if err != nil {
		return err
	}
	drv, err := driver.New(ctx, store, driverCfg)

Mutations are serialized inside one Store. Two processes writing the same
prefix can lose manifest updates.
*/
package s3
