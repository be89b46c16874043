//go:build cgofuse
// +build cgofuse

package fuse

import "github.com/objectfs/boxfs/internal/driver"

// NewMounter creates the mount frontend selected at build time.
func NewMounter(drv *driver.Driver, config *Config) Mounter {
	return NewCgoFuseMountManager(NewCgoFuseFS(drv, config))
}
