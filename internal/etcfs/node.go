package etcfs

import (
	"context"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bedrocklinux/bedrock-core/internal/identity"
	"github.com/bedrocklinux/bedrock-core/internal/stratum"
	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/recovery"
)

// Node is etcfs's single Inode type. Like crossfs, every node is
// identified by its full mount-relative virtual path and the backing
// stratum is re-resolved on every operation rather than cached, so a
// global-path or override change made through the control file takes
// effect on the very next request (spec.md §4.6).
type Node struct {
	fs.Inode

	fsys        *FS
	virtualPath string
}

var (
	_ fs.NodeLookuper     = (*Node)(nil)
	_ fs.NodeGetattrer    = (*Node)(nil)
	_ fs.NodeSetattrer    = (*Node)(nil)
	_ fs.NodeAccesser     = (*Node)(nil)
	_ fs.NodeReaddirer    = (*Node)(nil)
	_ fs.NodeOpener       = (*Node)(nil)
	_ fs.NodeReader       = (*Node)(nil)
	_ fs.NodeWriter       = (*Node)(nil)
	_ fs.NodeFlusher      = (*Node)(nil)
	_ fs.NodeReleaser     = (*Node)(nil)
	_ fs.NodeFsyncer      = (*Node)(nil)
	_ fs.NodeReadlinker   = (*Node)(nil)
	_ fs.NodeSymlinker    = (*Node)(nil)
	_ fs.NodeMkdirer      = (*Node)(nil)
	_ fs.NodeMknoder      = (*Node)(nil)
	_ fs.NodeUnlinker     = (*Node)(nil)
	_ fs.NodeRmdirer      = (*Node)(nil)
	_ fs.NodeRenamer      = (*Node)(nil)
	_ fs.NodeLinker       = (*Node)(nil)
	_ fs.NodeCreater      = (*Node)(nil)
	_ fs.NodeGetxattrer   = (*Node)(nil)
	_ fs.NodeSetxattrer   = (*Node)(nil)
	_ fs.NodeRemovexattrer = (*Node)(nil)
	_ fs.NodeListxattrer  = (*Node)(nil)
	_ fs.NodeStatfser     = (*Node)(nil)
	_ fs.NodeAllocater    = (*Node)(nil)
	_ fs.NodeGetlker      = (*Node)(nil)
	_ fs.NodeSetlker      = (*Node)(nil)
	_ fs.NodeSetlkwer     = (*Node)(nil)
)

// callerFromCtx extracts the requesting uid/gid/pid from the FUSE
// request context, same convention as crossfs.
func callerFromCtx(ctx context.Context) identity.Caller {
	if fc, ok := ctx.(*gofuse.Context); ok {
		return identity.Caller{UID: fc.Caller.Uid, GID: fc.Caller.Gid, PID: fc.Caller.Pid}
	}
	return identity.Caller{}
}

// resolved is one virtual path resolved to a concrete backing
// location: the retained stratum handle (the caller must Close it)
// and the path relative to that stratum's root, with any declared
// override already enforced.
type resolved struct {
	stratum *stratum.Handle
	relPath string
}

// resolve enforces virtualPath's override invariant (if any) and
// resolves the stratum it routes to, in that order: the override must
// hold before the caller's operation observes the backing file.
func (n *Node) resolve(ctx context.Context, virtualPath string) (resolved, syscall.Errno) {
	caller := callerFromCtx(ctx)
	r, err := recovery.RunValue(n.fsys.guard, "resolve", func() (resolved, error) {
		h, err := n.fsys.resolveStratum(virtualPath, caller.PID)
		if err != nil {
			return resolved{}, err
		}
		if err := n.fsys.enforceOverride(h.RootFd(), virtualPath); err != nil {
			h.Close()
			return resolved{}, err
		}
		return resolved{stratum: h, relPath: backingRelPath(virtualPath)}, nil
	})
	if err != nil {
		if be, ok := err.(*errors.BedrockError); ok {
			return resolved{}, be.Errno()
		}
		return resolved{}, syscall.ENOENT
	}
	return r, 0
}

func attrFromStat(out *gofuse.Attr, st *unix.Stat_t) {
	out.Mode = st.Mode
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Nlink = uint32(st.Nlink)
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
	out.Owner.Uid = st.Uid
	out.Owner.Gid = st.Gid
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
}

// Lookup resolves a direct child of n, routing to the control file
// when childPath names it and to a stratum-backed entry otherwise.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinVirtual(n.virtualPath, name)

	if isControlFile(childPath) {
		child := &controlNode{fsys: n.fsys}
		inode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
		out.Attr.Mode = 0600 | syscall.S_IFREG
		return inode, 0
	}

	r, errno := n.resolve(ctx, childPath)
	if errno != 0 {
		return nil, errno
	}
	defer r.stratum.Close()

	var st unix.Stat_t
	if err := unix.Fstatat(r.stratum.RootFd(), r.relPath, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, syscall.ENOENT
	}
	attrFromStat(&out.Attr, &st)

	child := &Node{fsys: n.fsys, virtualPath: childPath}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode & unix.S_IFMT})
	return inode, 0
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return errno
	}
	defer r.stratum.Close()

	var st unix.Stat_t
	if err := unix.Fstatat(r.stratum.RootFd(), r.relPath, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return syscall.ENOENT
	}
	attrFromStat(&out.Attr, &st)
	return 0
}

// Setattr applies chmod/chown/truncate/utimens against the backing
// file, as the calling user, so the backing filesystem's own
// permission checks govern whether the change is allowed.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return errno
	}
	defer r.stratum.Close()

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	rootFd := r.stratum.RootFd()

	if mode, ok := in.GetMode(); ok {
		if err := unix.Fchmodat(rootFd, r.relPath, mode, 0); err != nil {
			return errnoOf(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if err := unix.Fchownat(rootFd, r.relPath, u, g, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return errnoOf(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		fd, err := unix.Openat(rootFd, r.relPath, unix.O_WRONLY, 0)
		if err != nil {
			return errnoOf(err)
		}
		terr := unix.Ftruncate(fd, int64(size))
		unix.Close(fd)
		if terr != nil {
			return errnoOf(terr)
		}
	}
	if mtime, ok := in.GetMTime(); ok {
		atime, aok := in.GetATime()
		if !aok {
			atime = mtime
		}
		times := []unix.Timespec{
			unix.NsecToTimespec(atime.UnixNano()),
			unix.NsecToTimespec(mtime.UnixNano()),
		}
		if err := unix.UtimesNanoAt(rootFd, r.relPath, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return errnoOf(err)
		}
	}

	var st unix.Stat_t
	if err := unix.Fstatat(rootFd, r.relPath, &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		attrFromStat(&out.Attr, &st)
	}
	return 0
}

// Access defers to the backing filesystem's own permission bits,
// checked as the calling user, rather than approximating them here:
// unlike crossfs, etcfs is read-write and cannot collapse every mask
// to a fixed read/write decision.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	if isControlFile(n.virtualPath) {
		if callerFromCtx(ctx).UID != 0 {
			return syscall.EACCES
		}
		return 0
	}
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return errno
	}
	defer r.stratum.Close()

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	if err := unix.Faccessat(r.stratum.RootFd(), r.relPath, mask, 0); err != nil {
		return errnoOf(err)
	}
	return 0
}

type fileHandle struct {
	fd int
}

// Open opens the backing file as the calling user, through the
// chroot-escape-safe resolver so an absolute symlink stored inside
// the stratum cannot be used to read or write outside it.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return nil, 0, errno
	}
	defer r.stratum.Close()

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return nil, 0, syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	fd, err := n.fsys.rooter.OpenInRoot(r.stratum.RootFd(), r.relPath, int(flags), 0)
	if err != nil {
		return nil, 0, syscall.EACCES
	}
	return &fileHandle{fd: fd}, 0, 0
}

// Create resolves the parent's stratum, enforces any override
// declared on the new path, then creates and opens the file as the
// calling user.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := joinVirtual(n.virtualPath, name)
	if isControlFile(childPath) {
		return nil, nil, 0, syscall.EEXIST
	}

	r, errno := n.resolve(ctx, childPath)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	defer r.stratum.Close()

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return nil, nil, 0, syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	fd, err := unix.Openat(r.stratum.RootFd(), r.relPath, int(flags)|unix.O_CREAT|unix.O_EXCL, mode)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}

	var st unix.Stat_t
	unix.Fstat(fd, &st)
	attrFromStat(&out.Attr, &st)

	child := &Node{fsys: n.fsys, virtualPath: childPath}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
	return inode, &fileHandle{fd: fd}, 0, 0
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	nr, err := unix.Pread(fh.fd, dest, off)
	if err != nil {
		return nil, errnoOf(err)
	}
	return gofuse.ReadResultData(dest[:nr]), 0
}

func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	nw, err := unix.Pwrite(fh.fd, data, off)
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(nw), 0
}

// Flush is a no-op beyond errno reporting: POSIX flush happens on
// every close() of a duplicated fd, and there is nothing to drain
// since every write here already went straight to the backing file.
func (n *Node) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return 0
}

func (n *Node) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	if fh, ok := f.(*fileHandle); ok {
		unix.Close(fh.fd)
	}
	return 0
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	if err := unix.Fsync(fh.fd); err != nil {
		return errnoOf(err)
	}
	return 0
}

// fcntlLockType maps a FUSE FileLock.Typ (F_RDLCK/F_WRLCK/F_UNLCK,
// shared by the flock() and fcntl() encodings the kernel uses to
// forward both BSD and POSIX locks over FUSE_LK) onto the fcntl
// constant of the same name; they are numerically identical on Linux
// but kept distinct so the conversion is explicit at the call site.
func fcntlLockType(t uint32) int16 {
	return int16(t)
}

// Getlk, Setlk and Setlkw forward both flock()-style and fcntl()-style
// locks (the kernel funnels both through FUSE_LK; LkFlags'
// FUSE_LK_FLOCK bit distinguishes them, but since this handle's fd is
// private to one open() the two are equivalent here) onto the backing
// file descriptor so locking is enforced by the real filesystem rather
// than approximated in etcfs itself.
func (n *Node) Getlk(ctx context.Context, f fs.FileHandle, owner uint64, lk *gofuse.FileLock, flags uint32, out *gofuse.FileLock) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	flk := unix.Flock_t{
		Type:   fcntlLockType(lk.Typ),
		Whence: int16(0),
		Start:  int64(lk.Start),
		Len:    int64(lk.End - lk.Start + 1),
	}
	if err := unix.FcntlFlock(uintptr(fh.fd), unix.F_GETLK, &flk); err != nil {
		return errnoOf(err)
	}
	out.Typ = uint32(flk.Type)
	if flk.Type != unix.F_UNLCK {
		out.Start = uint64(flk.Start)
		out.End = uint64(flk.Start + flk.Len - 1)
		out.Pid = uint32(flk.Pid)
	}
	return 0
}

func (n *Node) setlk(f fs.FileHandle, lk *gofuse.FileLock, cmd int) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	flk := unix.Flock_t{
		Type:   fcntlLockType(lk.Typ),
		Whence: int16(0),
		Start:  int64(lk.Start),
		Len:    int64(lk.End - lk.Start + 1),
	}
	if err := unix.FcntlFlock(uintptr(fh.fd), cmd, &flk); err != nil {
		return errnoOf(err)
	}
	return 0
}

func (n *Node) Setlk(ctx context.Context, f fs.FileHandle, owner uint64, lk *gofuse.FileLock, flags uint32) syscall.Errno {
	return n.setlk(f, lk, unix.F_SETLK)
}

func (n *Node) Setlkw(ctx context.Context, f fs.FileHandle, owner uint64, lk *gofuse.FileLock, flags uint32) syscall.Errno {
	return n.setlk(f, lk, unix.F_SETLKW)
}

// Allocate preallocates space in the backing file via fallocate.
func (n *Node) Allocate(ctx context.Context, f fs.FileHandle, off uint64, size uint64, mode uint32) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	if err := unix.Fallocate(fh.fd, mode, int64(off), int64(size)); err != nil {
		return errnoOf(err)
	}
	return 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return nil, errno
	}
	defer r.stratum.Close()

	buf := make([]byte, 4096)
	nb, err := unix.Readlinkat(r.stratum.RootFd(), r.relPath, buf)
	if err != nil {
		return nil, errnoOf(err)
	}
	return buf[:nb], 0
}

// Statfs reports the backing stratum's filesystem statistics for n's
// own virtual path, so df-style tools reflect the stratum actually
// serving this subtree.
func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return errno
	}
	defer r.stratum.Close()

	var st unix.Statfs_t
	if err := unix.Fstatfs(r.stratum.RootFd(), &st); err != nil {
		return errnoOf(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return 0
}

const (
	xattrStratum = "user.bedrock.stratum"
)

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return 0, errno
	}
	defer r.stratum.Close()

	if attr == xattrStratum {
		val := r.stratum.Name()
		if len(dest) < len(val) {
			return uint32(len(val)), syscall.ERANGE
		}
		copy(dest, val)
		return uint32(len(val)), 0
	}

	fd, err := unix.Openat(r.stratum.RootFd(), r.relPath, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		// A symlink target can't be opened without following it;
		// fall back to path-based Getxattr for that case.
		nb, err := unix.Lgetxattr(pathJoin(r.stratum.Path(), r.relPath), attr, dest)
		if err != nil {
			return 0, errnoOf(err)
		}
		return uint32(nb), 0
	}
	defer unix.Close(fd)

	nb, err := unix.Fgetxattr(fd, attr, dest)
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(nb), 0
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return errno
	}
	defer r.stratum.Close()

	if err := unix.Lsetxattr(pathJoin(r.stratum.Path(), r.relPath), attr, data, int(flags)); err != nil {
		return errnoOf(err)
	}
	return 0
}

func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return errno
	}
	defer r.stratum.Close()

	if err := unix.Lremovexattr(pathJoin(r.stratum.Path(), r.relPath), attr); err != nil {
		return errnoOf(err)
	}
	return 0
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return 0, errno
	}
	defer r.stratum.Close()

	nb, err := unix.Llistxattr(pathJoin(r.stratum.Path(), r.relPath), dest)
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(nb), 0
}

func pathJoin(root, rel string) string {
	if rel == "" {
		return root
	}
	return root + "/" + rel
}

type dirEntryStream struct {
	entries []gofuse.DirEntry
	pos     int
}

func (d *dirEntryStream) HasNext() bool { return d.pos < len(d.entries) }
func (d *dirEntryStream) Next() (gofuse.DirEntry, syscall.Errno) {
	e := d.entries[d.pos]
	d.pos++
	return e, 0
}
func (d *dirEntryStream) Close() {}

// Readdir lists the backing directory's entries, adding the control
// file at the mount root.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	r, errno := n.resolve(ctx, n.virtualPath)
	if errno != 0 {
		return nil, errno
	}
	defer r.stratum.Close()

	fd, err := unix.Openat(r.stratum.RootFd(), r.relPath, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, errnoOf(err)
	}
	defer unix.Close(fd)

	names := readDirNames(fd)
	sort.Strings(names)

	out := make([]gofuse.DirEntry, 0, len(names)+1)
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		var st unix.Stat_t
		mode := uint32(syscall.S_IFREG)
		if err := unix.Fstatat(r.stratum.RootFd(), joinRel(r.relPath, name), &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
			mode = st.Mode & unix.S_IFMT
		}
		out = append(out, gofuse.DirEntry{Name: name, Mode: mode})
	}
	if n.virtualPath == "" {
		out = append(out, gofuse.DirEntry{Name: stripLeadingSlash(ControlFileName), Mode: syscall.S_IFREG})
	}
	return &dirEntryStream{entries: out}, 0
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func readDirNames(fd int) []string {
	var out []string
	buf := make([]byte, 8192)
	for {
		nb, err := unix.ReadDirent(fd, buf)
		if err != nil || nb <= 0 {
			break
		}
		names := make([]string, 0, 8)
		names, _ = unix.ParseDirent(buf[:nb], -1, names)
		out = append(out, names...)
	}
	return out
}

// errnoOf extracts the underlying syscall.Errno from a raw unix
// syscall error, or maps a BedrockError through its declared mapping,
// falling back to EIO for anything else.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return syscall.Errno(errno)
	}
	if be, ok := err.(*errors.BedrockError); ok {
		return be.Errno()
	}
	return syscall.EIO
}
