package crossfs

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bedrocklinux/bedrock-core/internal/store"
)

// controlNode implements crossfs's control file: reading it returns
// the current routing table serialized as add-form records, and each
// write must be exactly one command record applied atomically to the
// live store (spec.md §4.2's wire protocol).
type controlNode struct {
	fs.Inode
	fsys *FS
}

var (
	_ fs.NodeGetattrer = (*controlNode)(nil)
	_ fs.NodeOpener    = (*controlNode)(nil)
	_ fs.NodeReader    = (*controlNode)(nil)
	_ fs.NodeWriter    = (*controlNode)(nil)
	_ fs.NodeAccesser  = (*controlNode)(nil)
)

type controlFileHandle struct {
	snapshot []byte
}

func (c *controlNode) Getattr(ctx context.Context, f fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	out.Size = uint64(len(c.fsys.store.Serialize()))
	out.Mode = controlAttrs().mode
	return 0
}

func (c *controlNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if callerFromCtx(ctx).UID != 0 {
		return nil, 0, syscall.EACCES
	}
	return &controlFileHandle{snapshot: []byte(c.fsys.store.Serialize())}, 0, 0
}

// Access restricts the control file to UID 0 entirely (spec.md §4.2):
// every other caller is denied even read+execute probing.
func (c *controlNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	if callerFromCtx(ctx).UID != 0 {
		return syscall.EACCES
	}
	return 0
}

func (c *controlNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h, ok := f.(*controlFileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	if off >= int64(len(h.snapshot)) {
		return gofuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.snapshot)) {
		end = int64(len(h.snapshot))
	}
	return gofuse.ReadResultData(h.snapshot[off:end]), 0
}

// Write applies data as a single control-file record. Per the wire
// protocol each write() syscall must carry exactly one newline-
// terminated record; writers that buffer (e.g. a shell's > redirect
// doing one write per `echo`) naturally satisfy this.
func (c *controlNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	err := c.fsys.guard.Run("control-write", func() error {
		record, err := store.SplitRecord(data)
		if err != nil {
			return err
		}
		if err := store.ApplyCrossCommand(c.fsys.store, record); err != nil {
			return err
		}
		if c.fsys.status != nil {
			c.fsys.status.RecordControlWrite(time.Now())
		}
		return nil
	})
	if err != nil {
		return 0, syscall.EINVAL
	}
	return uint32(len(data)), 0
}
