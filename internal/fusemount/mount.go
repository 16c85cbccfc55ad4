// Package fusemount holds the mount-option construction and retry
// plumbing shared by crossfs and etcfs: both front-ends mount with
// allow_other when Options.AllowOther is set and disable every
// kernel-side cache so lower-filesystem changes are visible
// immediately (spec.md §4.6). No option for a non-empty mount target
// is passed.
package fusemount

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/retry"
)

// Options configures one mount.
type Options struct {
	MountPoint     string
	FsName         string
	AllowOther     bool
	Foreground     bool
	SingleThreaded bool
	Debug          bool
}

// noCacheTimeout is shared by Entry/Attribute/Negative timeouts: zero
// disables kernel-side caching entirely, so a write through the
// control file or a change made directly on a backing filesystem is
// visible to the next lookup instead of being served stale.
const noCacheTimeout = 0 * time.Second

// MountOptions builds the go-fuse MountOptions for opts.
func MountOptions(opts Options) *gofuse.MountOptions {
	return &gofuse.MountOptions{
		FsName:         opts.FsName,
		Name:           opts.FsName,
		AllowOther:     opts.AllowOther,
		Debug:          opts.Debug,
		SingleThreaded: opts.SingleThreaded,
	}
}

// FSOptions builds the fs.Options go-fuse's node-tree mounter takes,
// with every cache timeout zeroed per spec.md §4.6.
func FSOptions(opts Options) *fs.Options {
	zero := noCacheTimeout
	return &fs.Options{
		MountOptions:    *MountOptions(opts),
		EntryTimeout:    &zero,
		AttrTimeout:     &zero,
		NegativeTimeout: &zero,
	}
}

// ServeWithRetry mounts via mountFn using the shared retry policy.
// Every mountFn error is wrapped as ErrCodeMountFailed, which the
// default policy treats as retryable, so any failure is retried (up to
// three attempts in all), not only transient ones such as a prior
// unmount of the same mount point still tearing down in the kernel.
func ServeWithRetry(mountFn func() error) error {
	r := retry.New(retry.DefaultConfig())
	err := r.Do(func() error {
		if err := mountFn(); err != nil {
			return errors.NewError(errors.ErrCodeMountFailed, "mount: "+err.Error()).
				WithComponent("fusemount").WithOperation("mount")
		}
		return nil
	})
	return err
}
