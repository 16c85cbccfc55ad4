package crossfs

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bedrocklinux/bedrock-core/internal/fusemount"
)

// Mount mounts crossfs at mountPoint, retrying transient mount
// failures per internal/fusemount's shared policy, and blocks
// serving requests until the mount is unmounted. It returns the
// underlying fuse.Server so the caller can wire signal-triggered
// unmounting.
func Mount(mountPoint string, root *Node, opts fusemount.Options) (*gofuse.Server, error) {
	opts.MountPoint = mountPoint
	if opts.FsName == "" {
		opts.FsName = "crossfs"
	}

	var server *gofuse.Server
	err := fusemount.ServeWithRetry(func() error {
		s, err := fs.Mount(mountPoint, root, fusemount.FSOptions(opts))
		if err != nil {
			return err
		}
		server = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}
