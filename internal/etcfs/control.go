package etcfs

import (
	"context"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bedrocklinux/bedrock-core/internal/store"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// controlNode implements etcfs's control file: reading it returns the
// current global-path set and override table serialized as add-form
// records, and each write must be exactly one command record applied
// atomically to the live store (spec.md §4.2's wire protocol, shared
// with crossfs). Only UID 0 may open or probe it.
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
	out.Mode = 0600 | syscall.S_IFREG
	return 0
}

func (c *controlNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	if callerFromCtx(ctx).UID != 0 {
		return syscall.EACCES
	}
	return 0
}

func (c *controlNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if callerFromCtx(ctx).UID != 0 {
		return nil, 0, syscall.EACCES
	}
	return &controlFileHandle{snapshot: []byte(c.fsys.store.Serialize())}, 0, 0
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

// Write applies data as a single control-file record. A removed
// inject override on a global path is reversed on the global stratum
// before being dropped from the table, undoing the injected content
// (spec.md §4.5, "Uninjection"); a removed inject override on a
// local path is not reversed (see uninjectTarget). Every other command only changes the
// live table and takes effect lazily, the next time a handler
// resolves the affected path.
func (c *controlNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	err := c.fsys.guard.Run("control-write", func() error {
		record, err := store.SplitRecord(data)
		if err != nil {
			return err
		}

		if uninject, ok := c.uninjectTarget(record); ok {
			c.reverseInject(uninject)
		}

		if err := store.ApplyEtcCommand(c.fsys.store, record); err != nil {
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

// uninjectTarget reports the override path an incoming "rm_override"
// record names, when that override is currently an inject kind
// declared on the global stratum. Local-stratum injects have no
// caller identity available at control-write time to resolve which
// stratum to reverse against, so those are left for the next access
// to simply stop re-applying; only the global case, which resolves
// to a single fixed stratum, is reversed here.
func (c *controlNode) uninjectTarget(record string) (string, bool) {
	fields := strings.Fields(record)
	if len(fields) != 2 || fields[0] != "rm_override" {
		return "", false
	}
	c.fsys.store.RLock()
	o, ok := c.fsys.store.Override(fields[1])
	isGlobal := c.fsys.store.IsGlobal(fields[1])
	c.fsys.store.RUnlock()
	if !ok || o.Kind != types.OverrideInject || !isGlobal {
		return "", false
	}
	return fields[1], true
}

func (c *controlNode) reverseInject(path string) {
	c.fsys.store.RLock()
	o, ok := c.fsys.store.Override(path)
	c.fsys.store.RUnlock()
	if !ok {
		return
	}
	virtualPath := stripLeadingSlash(strings.TrimPrefix(path, "/etc"))
	h, err := c.fsys.strataPool.Acquire(c.fsys.globalStratum)
	if err != nil {
		return
	}
	defer h.Close()
	_ = c.fsys.overrides.Uninject(h.RootFd(), backingRelPath(virtualPath), o.Content)
}
