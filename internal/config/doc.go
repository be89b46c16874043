/*
Package config loads boxfs configuration.

Values are layered: compiled-in defaults from NewDefault, then a YAML file,
then BOXFS_* environment variables, then command-line flags applied by the
caller. Validate reports problems as INVALID_CONFIG errors.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/boxfs/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Example file:

	global:
	  log_level: INFO
	  log_format: json
	remote:
	  kind: s3
	  s3:
	    bucket: my-bucket
	    region: eu-west-1
	    prefix: boxfs/
	transfer:
	  chunk_size: 1MB
	  spool_memory_limit: 8MB
	watch:
	  mode: poll
	  poll_interval: 30s
	policy:
	  allow_overwrite: false
	mount:
	  mount_point: /mnt/box

Environment variables:

	BOXFS_LOG_LEVEL, BOXFS_LOG_FORMAT, BOXFS_LOG_FILE, BOXFS_METRICS_PORT
	BOXFS_REMOTE, BOXFS_S3_BUCKET, BOXFS_S3_REGION, BOXFS_S3_ENDPOINT,
	BOXFS_S3_PREFIX, BOXFS_S3_ACCELERATED
	BOXFS_CHUNK_SIZE, BOXFS_SPOOL_DIR
	BOXFS_WATCH, BOXFS_POLL_INTERVAL, BOXFS_SSE_URL
	BOXFS_ALLOW_OVERWRITE, BOXFS_MOUNT_POINT, BOXFS_METRICS_ENABLED
*/
package config
