// boxfs mounts an ID-addressed object store as a local filesystem.
//
// Configuration comes from an optional YAML file, then BOXFS_* environment
// variables, then flags. The mount point may also be given as the only
// positional argument.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/objectfs/boxfs/internal/adapter"
	"github.com/objectfs/boxfs/internal/config"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "boxfs: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configFile  string
	mountPoint  string
	logLevel    string
	remoteURI   string
	watch       string
	showVersion bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("boxfs", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configFile, "config", "c", "", "path to a YAML configuration file")
	flagSet.StringVarP(&opts.mountPoint, "mount-point", "m", "", "directory to mount on")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.StringVar(&opts.remoteURI, "remote", "", "remote to mount: memory:// or s3://bucket[/prefix]")
	flagSet.StringVar(&opts.watch, "watch", "", "change notifications: none, poll or sse")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print the version and exit")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	switch rest := flagSet.Args(); len(rest) {
	case 0:
	case 1:
		if opts.mountPoint != "" && opts.mountPoint != rest[0] {
			return nil, flagSet, fmt.Errorf("mount point given twice: %s and %s", opts.mountPoint, rest[0])
		}
		opts.mountPoint = rest[0]
	default:
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", rest[1])
	}
	return &opts, flagSet, nil
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(opts *options) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if opts.configFile != "" {
		if err := cfg.LoadFromFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if opts.mountPoint != "" {
		cfg.Mount.MountPoint = opts.mountPoint
	}
	if opts.logLevel != "" {
		cfg.Global.LogLevel = opts.logLevel
	}
	if opts.watch != "" {
		cfg.Watch.Mode = opts.watch
	}
	if opts.remoteURI != "" {
		if err := adapter.ApplyRemoteURI(cfg, opts.remoteURI); err != nil {
			return nil, fmt.Errorf("--remote: %w", err)
		}
	}
	return cfg, nil
}

func run(args []string) error {
	opts, _, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Println("boxfs", version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `boxfs mounts an ID-addressed object store as a local filesystem.

Usage:
  boxfs [flags] [mount-point]

Examples:
  boxfs --remote memory:// /mnt/box
  boxfs --config /etc/boxfs.yaml --remote s3://my-bucket/team --watch poll

Flags:
`)
	flagSet.PrintDefaults()
}
