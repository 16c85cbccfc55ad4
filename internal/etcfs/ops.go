package etcfs

import (
	"context"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
)

// newChildInode builds the *fs.Inode for a just-created entry at
// childPath, stat'd fresh so its reported attributes match what was
// actually created.
func (n *Node) newChildInode(ctx context.Context, childPath string, rootFd int, relPath string, fallbackMode uint32, out *gofuse.EntryOut) *fs.Inode {
	mode := fallbackMode
	var st unix.Stat_t
	if err := unix.Fstatat(rootFd, relPath, &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
		attrFromStat(&out.Attr, &st)
		mode = st.Mode & unix.S_IFMT
	}
	child := &Node{fsys: n.fsys, virtualPath: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode})
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinVirtual(n.virtualPath, name)
	if isControlFile(childPath) {
		return nil, syscall.EEXIST
	}
	r, errno := n.resolve(ctx, childPath)
	if errno != 0 {
		return nil, errno
	}
	defer r.stratum.Close()

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return nil, syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	if err := unix.Mkdirat(r.stratum.RootFd(), r.relPath, mode); err != nil {
		return nil, errnoOf(err)
	}
	return n.newChildInode(ctx, childPath, r.stratum.RootFd(), r.relPath, syscall.S_IFDIR, out), 0
}

func (n *Node) Mknod(ctx context.Context, name string, mode uint32, rdev uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinVirtual(n.virtualPath, name)
	if isControlFile(childPath) {
		return nil, syscall.EEXIST
	}
	r, errno := n.resolve(ctx, childPath)
	if errno != 0 {
		return nil, errno
	}
	defer r.stratum.Close()

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return nil, syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	if err := unix.Mknodat(r.stratum.RootFd(), r.relPath, mode, int(rdev)); err != nil {
		return nil, errnoOf(err)
	}
	return n.newChildInode(ctx, childPath, r.stratum.RootFd(), r.relPath, mode&unix.S_IFMT, out), 0
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinVirtual(n.virtualPath, name)
	if isControlFile(childPath) {
		return nil, syscall.EEXIST
	}
	r, errno := n.resolve(ctx, childPath)
	if errno != 0 {
		return nil, errno
	}
	defer r.stratum.Close()

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return nil, syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	if err := unix.Symlinkat(target, r.stratum.RootFd(), r.relPath); err != nil {
		return nil, errnoOf(err)
	}
	return n.newChildInode(ctx, childPath, r.stratum.RootFd(), r.relPath, syscall.S_IFLNK, out), 0
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	src, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	childPath := joinVirtual(n.virtualPath, name)
	if isControlFile(childPath) || isControlFile(src.virtualPath) {
		return nil, syscall.EPERM
	}

	srcR, errno := n.resolve(ctx, src.virtualPath)
	if errno != 0 {
		return nil, errno
	}
	defer srcR.stratum.Close()
	dstR, errno := n.resolve(ctx, childPath)
	if errno != 0 {
		return nil, errno
	}
	defer dstR.stratum.Close()

	if srcR.stratum.Name() != dstR.stratum.Name() {
		return nil, syscall.EXDEV
	}

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return nil, syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	if err := unix.Linkat(srcR.stratum.RootFd(), srcR.relPath, dstR.stratum.RootFd(), dstR.relPath, 0); err != nil {
		return nil, errnoOf(err)
	}
	return n.newChildInode(ctx, childPath, dstR.stratum.RootFd(), dstR.relPath, syscall.S_IFREG, out), 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	childPath := joinVirtual(n.virtualPath, name)
	if isControlFile(childPath) {
		return syscall.EPERM
	}
	r, errno := n.resolve(ctx, childPath)
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

	if err := unix.Unlinkat(r.stratum.RootFd(), r.relPath, 0); err != nil {
		return errnoOf(err)
	}
	return 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := joinVirtual(n.virtualPath, name)
	if isControlFile(childPath) {
		return syscall.EPERM
	}
	r, errno := n.resolve(ctx, childPath)
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

	if err := unix.Unlinkat(r.stratum.RootFd(), r.relPath, unix.AT_REMOVEDIR); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Rename moves name to newName under newParent. When both paths
// resolve to the same stratum this is a single atomic renameat2;
// when they resolve to different strata (a local path moving across
// the local/global boundary, or the caller's local stratum changing
// mid-operation) no single rename(2) can span them, so the entry is
// recreated at the destination by kind and the source removed
// (spec.md's cross-device rename requirement for etcfs).
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	oldPath := joinVirtual(n.virtualPath, name)
	newPath := joinVirtual(np.virtualPath, newName)
	if isControlFile(oldPath) || isControlFile(newPath) {
		return syscall.EPERM
	}

	srcR, errno := n.resolve(ctx, oldPath)
	if errno != 0 {
		return errno
	}
	defer srcR.stratum.Close()
	dstR, errno := n.resolve(ctx, newPath)
	if errno != 0 {
		return errno
	}
	defer dstR.stratum.Close()

	caller := callerFromCtx(ctx)
	tok, err := n.fsys.identity.Enter(caller)
	if err != nil {
		return syscall.EACCES
	}
	defer n.fsys.identity.Leave(tok)

	if srcR.stratum.Name() == dstR.stratum.Name() {
		if flags != 0 {
			if err := unix.Renameat2(srcR.stratum.RootFd(), srcR.relPath, dstR.stratum.RootFd(), dstR.relPath, flags); err != nil {
				return errnoOf(err)
			}
			return 0
		}
		if err := unix.Renameat(srcR.stratum.RootFd(), srcR.relPath, dstR.stratum.RootFd(), dstR.relPath); err != nil {
			return errnoOf(err)
		}
		return 0
	}

	if flags != 0 {
		// RENAME_NOREPLACE/RENAME_EXCHANGE have no cross-stratum
		// equivalent; refuse rather than silently dropping them.
		return syscall.ENOTSUP
	}
	return crossStratumRename(srcR.stratum.RootFd(), srcR.relPath, dstR.stratum.RootFd(), dstR.relPath)
}

// crossStratumRename recreates the entry at srcRel as dstRel in a
// different stratum root, by kind, chowns the recreated entry to the
// source's owner/group, then removes the source. It is not atomic
// across the two strata -- a crash between create and unlink leaves
// the entry in both places -- which matches what a real cross-device
// mv(1) already risks once it falls back to copy+unlink.
func crossStratumRename(srcRootFd int, srcRel string, dstRootFd int, dstRel string) syscall.Errno {
	var st unix.Stat_t
	if err := unix.Fstatat(srcRootFd, srcRel, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errnoOf(err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFLNK:
		buf := make([]byte, 4096)
		nb, err := unix.Readlinkat(srcRootFd, srcRel, buf)
		if err != nil {
			return errnoOf(err)
		}
		if err := unix.Symlinkat(string(buf[:nb]), dstRootFd, dstRel); err != nil {
			return errnoOf(err)
		}
		if err := unix.Fchownat(dstRootFd, dstRel, int(st.Uid), int(st.Gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
			unix.Unlinkat(dstRootFd, dstRel, 0)
			return errnoOf(err)
		}
	case unix.S_IFDIR:
		if err := unix.Mkdirat(dstRootFd, dstRel, uint32(st.Mode&0777)); err != nil {
			return errnoOf(err)
		}
		if err := unix.Fchownat(dstRootFd, dstRel, int(st.Uid), int(st.Gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
			unix.Unlinkat(dstRootFd, dstRel, unix.AT_REMOVEDIR)
			return errnoOf(err)
		}
		if err := unix.Unlinkat(srcRootFd, srcRel, unix.AT_REMOVEDIR); err != nil {
			// Non-empty source directory: undo the created
			// destination and report as a real rename would.
			unix.Unlinkat(dstRootFd, dstRel, unix.AT_REMOVEDIR)
			return syscall.ENOTEMPTY
		}
		return 0
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO, unix.S_IFSOCK:
		if err := unix.Mknodat(dstRootFd, dstRel, st.Mode, int(st.Rdev)); err != nil {
			return errnoOf(err)
		}
		if err := unix.Fchownat(dstRootFd, dstRel, int(st.Uid), int(st.Gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
			unix.Unlinkat(dstRootFd, dstRel, 0)
			return errnoOf(err)
		}
	default:
		srcFd, err := unix.Openat(srcRootFd, srcRel, unix.O_RDONLY, 0)
		if err != nil {
			return errnoOf(err)
		}
		defer unix.Close(srcFd)

		dstFd, err := unix.Openat(dstRootFd, dstRel, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL, uint32(st.Mode&0777))
		if err != nil {
			return errnoOf(err)
		}
		defer unix.Close(dstFd)

		if err := copyFileRange(srcFd, dstFd, st.Size); err != nil {
			unix.Unlinkat(dstRootFd, dstRel, 0)
			return errnoOf(err)
		}
		if err := unix.Fchown(dstFd, int(st.Uid), int(st.Gid)); err != nil {
			unix.Unlinkat(dstRootFd, dstRel, 0)
			return errnoOf(err)
		}
	}

	if err := unix.Unlinkat(srcRootFd, srcRel, 0); err != nil {
		return errnoOf(err)
	}
	return 0
}

// copyFileRange copies size bytes from srcFd to dstFd using plain
// pread/pwrite: both fds are already rooted in their own strata, so
// the kernel's cross-filesystem copy_file_range fast path doesn't
// apply here anyway.
func copyFileRange(srcFd, dstFd int, size int64) error {
	buf := make([]byte, 65536)
	var off int64
	for off < size {
		want := int64(len(buf))
		if size-off < want {
			want = size - off
		}
		nr, err := unix.Pread(srcFd, buf[:want], off)
		if err != nil {
			return err
		}
		if nr == 0 {
			break
		}
		if _, err := unix.Pwrite(dstFd, buf[:nr], off); err != nil {
			return err
		}
		off += int64(nr)
	}
	return nil
}
