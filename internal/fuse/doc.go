/*
Package fuse mounts a driver.Driver as a local filesystem.

Two frontends are available through build constraints:

  - the default build uses hanwen/go-fuse (Linux and macOS). Nodes are
    inodes in a go-fuse tree and derive their path from it, so a rename
    in the kernel view needs no bookkeeping here.
  - with -tags cgofuse, winfsp/cgofuse serves the same driver through a
    path-based API that also runs on Windows (WinFsp) and macOS (macFUSE).

Both go through NewMounter and share the handle logic in handle.go.

# Mapping

	lookup, getattr        Driver.Stat
	readdir                Driver.ReadDir
	mkdir                  Driver.CreateDirectory
	unlink, rmdir          Driver.Delete, after a type check
	rename                 Driver.Move, replacing unless RENAME_NOREPLACE
	open (read)            Driver.OpenRead
	open (write), create   Driver.OpenWrite; the upload happens on flush
	truncate               Writer.Truncate, or an empty new version
	access                 Driver.CheckAccess

Errors come back as errno values from errors.Errno: NOT_FOUND becomes
ENOENT, ALREADY_EXISTS EEXIST, TRANSIENT EAGAIN and so on. Reads, flushes and
releases report TRANSIENT as EIO instead.

# Streams and offsets

The kernel reads at offsets; the driver delivers a sequential stream. A
handle keeps its stream position. Sequential reads continue the stream, a
forward seek discards bytes and a backward seek restarts the download.

Writes are spooled by the driver and uploaded on the first flush, which the
kernel issues on close(2). An upload failure is returned from close. Files
opened read-write are refused with ENOTSUP unless they are being created.

# Change notifications

With Config.Watch set and a change source configured on the driver, the
go-fuse frontend turns remote changes into kernel entry and content
invalidations. Without notifications, AttrTimeout and EntryTimeout bound how
long the kernel keeps a stale view.

# Usage

	mounter := fuse.NewMounter(drv, &fuse.Config{
		MountPoint: "/mnt/box",
		Watch:      true,
		Logger:     logger,
	})
	if err := mounter.Mount(ctx); err != nil {
		return err
	}
	defer mounter.Unmount()
	mounter.Wait()
*/
package fuse
