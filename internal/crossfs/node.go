package crossfs

import (
	"context"
	"path"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bedrocklinux/bedrock-core/internal/filter"
	"github.com/bedrocklinux/bedrock-core/internal/identity"
	"github.com/bedrocklinux/bedrock-core/pkg/errors"
	"github.com/bedrocklinux/bedrock-core/pkg/recovery"
	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

// Node is crossfs's single Inode type. Every node, including the root,
// is identified by its full virtual path; the routing table is
// reclassified against that path on every operation instead of being
// cached in the tree, so a control-file write is visible to the very
// next lookup (spec.md §4.6 disables every cache for this reason).
type Node struct {
	fs.Inode

	fsys        *FS
	virtualPath string
}

var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReader     = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeAccesser   = (*Node)(nil)
	_ fs.NodeGetxattrer = (*Node)(nil)
	_ fs.NodeWriter     = (*Node)(nil)
	_ fs.NodeStatfser   = (*Node)(nil)
)

// callerFromCtx extracts the requesting uid/gid/pid from the FUSE
// request context. go-fuse passes its own *fuse.Context (which
// implements context.Context) down through every Node method, so the
// real caller identity is recovered with a type assertion rather than
// a context.Value lookup.
func callerFromCtx(ctx context.Context) identity.Caller {
	if fc, ok := ctx.(*gofuse.Context); ok {
		return identity.Caller{UID: fc.Caller.Uid, GID: fc.Caller.Gid, PID: fc.Caller.Pid}
	}
	return identity.Caller{}
}

func joinVirtual(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// nodeKind is what kind of node sits at a virtual path, as determined
// by classifyLocked, which probes the backing filesystem when the
// classifier matches a routing entry.
type nodeKind int

const (
	kindDir nodeKind = iota
	kindFile
	kindSymlink
	kindControl
	kindLocalAlias
)

type classified struct {
	kind     nodeKind
	cands    []resolvedCandidate // only populated for kindFile/kindSymlink/kindDir-via-backing
	allCands []resolvedCandidate // every existing candidate, for font's multi-backing merge
	variant  *filter.Variant
	backing  bool // true if reached through a matched routing entry
}

func (n *Node) classify(ctx context.Context, virtualPath string) (*classified, syscall.Errno) {
	cl, err := recovery.RunValue(n.fsys.guard, "classify", func() (*classified, error) {
		return n.classifyLocked(ctx, virtualPath)
	})
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return nil, errno
		}
		return nil, syscall.EIO
	}
	return cl, 0
}

// classifyLocked does the actual classification work; classify wraps
// it with the panic-recovery guard.
func (n *Node) classifyLocked(ctx context.Context, virtualPath string) (*classified, error) {
	n.fsys.store.RLock()
	class, entry, suffix := n.fsys.resolver.Classify(virtualPath, n.fsys.store.Snapshot())
	n.fsys.store.RUnlock()

	switch class {
	case types.ClassControlFile:
		return &classified{kind: kindControl}, nil
	case types.ClassLocalAlias:
		return &classified{kind: kindLocalAlias}, nil
	case types.ClassVirtualIntermediate, types.ClassRoot:
		return &classified{kind: kindDir}, nil
	case types.ClassBacking:
		candidates := n.fsys.resolver.Candidates(entry, suffix)
		caller := callerFromCtx(ctx)
		all, err := n.fsys.probeCandidates(candidates, caller.PID)
		if err != nil {
			return nil, syscall.ENOENT
		}
		first := all[0]
		kind := kindFile
		switch first.stat.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			kind = kindDir
		case unix.S_IFLNK:
			kind = kindSymlink
		}
		if kind != kindDir {
			variant, err := n.fsys.filters.Get(entry.Filter)
			if err != nil {
				closeCandidates(all)
				return nil, syscall.EINVAL
			}
			return &classified{kind: kind, cands: all, allCands: all, variant: variant, backing: true}, nil
		}
		return &classified{kind: kindDir, cands: all, backing: true}, nil
	default:
		return nil, syscall.ENOENT
	}
}

// Lookup resolves a direct child of n by reclassifying the child's
// full virtual path against the live routing table.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinVirtual(n.virtualPath, name)
	cl, errno := n.classify(ctx, childPath)
	if errno != 0 {
		return nil, errno
	}
	defer closeCandidates(cl.cands)

	mode := uint32(syscall.S_IFDIR)
	switch cl.kind {
	case kindControl, kindFile:
		mode = syscall.S_IFREG
	case kindSymlink, kindLocalAlias:
		mode = syscall.S_IFLNK
	}

	if cl.kind == kindControl {
		child := &controlNode{fsys: n.fsys}
		inode := n.NewInode(ctx, child, fs.StableAttr{Mode: mode})
		fillAttrOut(&out.Attr, controlAttrs())
		return inode, 0
	}

	child := &Node{fsys: n.fsys, virtualPath: childPath}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: mode})
	if attrs, err := child.computeAttrs(ctx, cl); err == nil {
		fillAttrOut(&out.Attr, attrs)
	}
	return inode, 0
}

type simpleAttrs struct {
	size int64
	mode uint32
}

func fillAttrOut(a *gofuse.Attr, s simpleAttrs) {
	a.Size = uint64(s.size)
	a.Mode = s.mode
}

func controlAttrs() simpleAttrs {
	return simpleAttrs{size: 0, mode: 0644 | syscall.S_IFREG}
}

// computeAttrs resolves n's current size/mode, reclassifying against
// the live routing table so a just-applied control-file change is
// reflected immediately.
func (n *Node) computeAttrs(ctx context.Context, cl *classified) (simpleAttrs, error) {
	switch cl.kind {
	case kindDir:
		return simpleAttrs{size: 0, mode: 0755 | syscall.S_IFDIR}, nil
	case kindSymlink:
		return simpleAttrs{size: int64(cl.cands[0].stat.Size), mode: 0777 | syscall.S_IFLNK}, nil
	case kindLocalAlias:
		target := n.fsys.localAliasTarget(callerFromCtx(ctx).PID)
		return simpleAttrs{size: int64(len(target)), mode: 0777 | syscall.S_IFLNK}, nil
	case kindFile:
		fctx := n.filterContext(ctx, cl)
		attrs, err := cl.variant.Attrs(fctx)
		if err != nil {
			return simpleAttrs{}, err
		}
		return simpleAttrs{size: attrs.Size, mode: attrs.Mode | syscall.S_IFREG}, nil
	default:
		return simpleAttrs{}, nil
	}
}

func (n *Node) filterContext(ctx context.Context, cl *classified) filter.Context {
	caller := callerFromCtx(ctx)
	backings := make([]filter.ResolvedBacking, 0, len(cl.allCands))
	for _, rc := range cl.allCands {
		data, _ := n.fsys.readCandidate(caller, rc)
		backings = append(backings, filter.ResolvedBacking{
			Stratum: rc.stratum.Name(),
			Path:    "/" + rc.relPath,
			Data:    data,
			Mode:    uint32(rc.stat.Mode),
		})
	}
	return filter.Context{Backings: backings, StrataRoot: n.fsys.strataRoot}
}

// Getattr reports n's current attributes, reclassifying n's own
// virtual path the same way Lookup classifies a child.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	if n.virtualPath == "/" {
		out.Mode = 0755 | syscall.S_IFDIR
		return 0
	}
	cl, errno := n.classify(ctx, n.virtualPath)
	if errno != 0 {
		return errno
	}
	defer closeCandidates(cl.cands)
	attrs, err := n.computeAttrs(ctx, cl)
	if err != nil {
		return toErrno(err)
	}
	out.Size = uint64(attrs.size)
	out.Mode = attrs.mode
	return 0
}

// Statfs reports the filesystem statistics of the strata root
// directory backing n (the first existing candidate for a backing
// path, or the strata root itself for virtual/root/control paths),
// so df-style tools see real free-space numbers rather than zeros.
func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	var st unix.Statfs_t
	if n.virtualPath != "/" {
		cl, errno := n.classify(ctx, n.virtualPath)
		if errno == 0 && cl.backing && len(cl.cands) > 0 {
			defer closeCandidates(cl.cands)
			if err := unix.Fstatfs(cl.cands[0].stratum.RootFd(), &st); err != nil {
				return errnoOf(err)
			}
			fillStatfs(out, &st)
			return 0
		}
	}
	if err := unix.Statfs(n.fsys.strataRoot, &st); err != nil {
		return errnoOf(err)
	}
	fillStatfs(out, &st)
	return 0
}

func errnoOf(err error) syscall.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return syscall.Errno(errno)
	}
	return syscall.EIO
}

// toErrno maps a filter/classification error to the errno it declares,
// falling back to EIO for an error that carries no such mapping.
func toErrno(err error) syscall.Errno {
	if be, ok := err.(*errors.BedrockError); ok {
		return be.Errno()
	}
	return syscall.EIO
}

func fillStatfs(out *gofuse.StatfsOut, st *unix.Statfs_t) {
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
}

// Access grants read+execute for any resolvable path and denies write
// outright, since crossfs is read-only apart from the control file.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	if mask&unix.W_OK != 0 && n.virtualPath != ControlFileName {
		return syscall.EACCES
	}
	return 0
}

type readHandle struct {
	data []byte
}

// Open resolves n's content once per open call and hands back a
// FileHandle holding the fully materialized, filtered bytes: filters
// operate on whole files (spec.md §4.4), so there is no meaningful
// partial-read short-circuit here.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	cl, errno := n.classify(ctx, n.virtualPath)
	if errno != 0 {
		return nil, 0, errno
	}
	defer closeCandidates(cl.cands)

	if cl.kind != kindFile {
		return nil, 0, syscall.EISDIR
	}

	fctx := n.filterContext(ctx, cl)
	data, err := cl.variant.StreamBytes(fctx, 0, int64(^uint(0)>>1))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &readHandle{data: data}, 0, 0
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	rh, ok := f.(*readHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	if off >= int64(len(rh.data)) {
		return gofuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(rh.data)) {
		end = int64(len(rh.data))
	}
	return gofuse.ReadResultData(rh.data[off:end]), 0
}

// Write is refused for every node Open can return, since that set
// never includes the control file (handled by controlNode instead).
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	return 0, syscall.EROFS
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	cl, errno := n.classify(ctx, n.virtualPath)
	if errno != 0 {
		return nil, errno
	}
	defer closeCandidates(cl.cands)
	if cl.kind == kindLocalAlias {
		return []byte(n.fsys.localAliasTarget(callerFromCtx(ctx).PID)), 0
	}
	if cl.kind != kindSymlink {
		return nil, syscall.EINVAL
	}
	rc := cl.cands[0]
	buf := make([]byte, 4096)
	nbytes, err := unix.Readlinkat(rc.stratum.RootFd(), rc.relPath, buf)
	if err != nil {
		return nil, syscall.EIO
	}
	return buf[:nbytes], 0
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	cl, errno := n.classify(ctx, n.virtualPath)
	if errno != 0 {
		return 0, errno
	}
	defer closeCandidates(cl.cands)
	if !cl.backing || len(cl.cands) == 0 {
		return 0, syscall.ENODATA
	}
	rc := cl.cands[0]

	var val string
	switch attr {
	case xattrStratum:
		val = rc.stratum.Name()
	case xattrLocalPath:
		val = "/" + rc.relPath
	case xattrRestrict:
		if cl.variant != nil && (cl.variant.Kind == types.FilterBinRestrict) {
			val = "1"
		} else {
			val = "0"
		}
	default:
		return 0, syscall.ENODATA
	}
	if len(dest) < len(val) {
		return uint32(len(val)), syscall.ERANGE
	}
	copy(dest, val)
	return uint32(len(val)), 0
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names := xattrStratum + "\x00" + xattrLocalPath + "\x00" + xattrRestrict + "\x00"
	if len(dest) < len(names) {
		return uint32(len(names)), syscall.ERANGE
	}
	copy(dest, names)
	return uint32(len(names)), 0
}

// dirEntryStream is a fixed, pre-sorted DirStream.
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

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if n.virtualPath != "/" {
		cl, errno := n.classify(ctx, n.virtualPath)
		if errno != 0 {
			return nil, errno
		}
		defer closeCandidates(cl.cands)
		if cl.kind != kindDir {
			return nil, syscall.ENOTDIR
		}
		if cl.backing {
			return n.readdirBacking(cl.cands)
		}
	}
	return n.readdirVirtual()
}

// readdirVirtual lists the next path segment of every routing entry
// that descends from n, merged with the control file at the root.
func (n *Node) readdirVirtual() (fs.DirStream, syscall.Errno) {
	n.fsys.store.RLock()
	entries := n.fsys.store.Snapshot()
	n.fsys.store.RUnlock()

	seen := make(map[string]uint32)
	prefix := n.virtualPath
	if prefix != "/" {
		prefix += "/"
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.VirtualPath, prefix) || e.VirtualPath == n.virtualPath {
			continue
		}
		rest := strings.TrimPrefix(e.VirtualPath, prefix)
		segment := rest
		isLeaf := true
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			segment = rest[:idx]
			isLeaf = false
		}
		if segment == "" {
			continue
		}
		mode := uint32(syscall.S_IFDIR)
		if isLeaf {
			mode = syscall.S_IFDIR // type resolved precisely on Lookup; listing reports dir conservatively
		}
		seen[segment] = mode
	}

	if n.virtualPath == "/" {
		seen[strings.TrimPrefix(ControlFileName, "/")] = syscall.S_IFREG
		seen[strings.TrimPrefix(LocalAliasName, "/")] = syscall.S_IFLNK
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]gofuse.DirEntry, 0, len(names))
	for _, name := range names {
		out = append(out, gofuse.DirEntry{Name: name, Mode: seen[name]})
	}
	return &dirEntryStream{entries: out}, 0
}

// readdirBacking merges the directory listing of every resolved
// backing candidate in probe order, first occurrence of a name
// winning, and skips self-referential symlinks (e.g. /usr/bin/X11 ->
// ".") per spec.md §4.4's listing-skip rule.
func (n *Node) readdirBacking(cands []resolvedCandidate) (fs.DirStream, syscall.Errno) {
	type namedEntry struct {
		mode uint32
	}
	seen := make(map[string]namedEntry)
	order := []string{}

	for _, rc := range cands {
		fd, err := unix.Openat(rc.stratum.RootFd(), rc.relPath, unix.O_RDONLY|unix.O_DIRECTORY, 0)
		if err != nil {
			continue
		}
		names := readDirNames(fd)
		unix.Close(fd)

		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			childRel := path.Join(rc.relPath, name)
			var st unix.Stat_t
			mode := uint32(syscall.S_IFREG)
			if err := unix.Fstatat(rc.stratum.RootFd(), childRel, &st, unix.AT_SYMLINK_NOFOLLOW); err == nil {
				mode = st.Mode & unix.S_IFMT
			}
			if isSelfReferentialSymlink(rc.stratum.RootFd(), rc.relPath, name, mode) {
				continue
			}
			seen[name] = namedEntry{mode: mode}
			order = append(order, name)
		}
	}

	sort.Strings(order)
	out := make([]gofuse.DirEntry, 0, len(order))
	for _, name := range order {
		out = append(out, gofuse.DirEntry{Name: name, Mode: seen[name].mode})
	}
	return &dirEntryStream{entries: out}, 0
}

func isSelfReferentialSymlink(rootFd int, dirRel, name string, mode uint32) bool {
	if mode&unix.S_IFMT != unix.S_IFLNK {
		return false
	}
	childRel := path.Join(dirRel, name)
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(rootFd, childRel, buf)
	if err != nil {
		return false
	}
	target := string(buf[:n])
	return target == "." || target == "./" || target == dirRel || target == "/"+dirRel
}

// readDirNames drains the getdents64 stream for an already-open
// directory fd into a flat name list.
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
