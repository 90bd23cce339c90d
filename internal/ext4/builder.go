package ext4

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nanovisor/nanovisor/internal/failure"
)

type inodeKind int

const (
	kindDir inodeKind = iota
	kindReg
	kindSymlink
)

type extentRange struct {
	startPool uint32 // index into Formatter.blocks
	count     uint32
}

type fsInode struct {
	ino    uint32
	kind   inodeKind
	mode   uint16 // permission bits only
	uid    uint32
	gid    uint32
	size   uint64
	atime  int64
	mtime  int64
	ctime  int64

	linkTarget string // set when kind==kindSymlink and len(target) < fastSymlinkMax
	extents    []extentRange

	children map[string]uint32 // kindDir only, name -> ino
	parent   uint32
}

// Formatter incrementally builds an ext4 image in memory and materializes
// it to disk on Close. It implements the Builder role from the component
// design: create(dir|file|symlink), unpack(tar), close.
type Formatter struct {
	path        string
	minDiskSize uint64

	blocks [][]byte // data block pool; physical block number assigned at Close

	inodes    map[uint32]*fsInode
	nextIno   uint32
	pathIndex map[string]uint32

	closed bool
}

// NewFormatter creates a fresh, open Formatter. The underlying file is not
// written until Close.
func NewFormatter(destPath string, minDiskSize uint64) (*Formatter, error) {
	if _, err := os.Stat(destPath); err == nil {
		return nil, failure.Newf(failure.Exists, "%s already exists", destPath)
	} else if !os.IsNotExist(err) {
		return nil, failure.Wrap(failure.InternalError, "stat destination", err)
	}

	now := time.Now().Unix()
	f := &Formatter{
		path:        destPath,
		minDiskSize: minDiskSize,
		inodes:      map[uint32]*fsInode{},
		pathIndex:   map[string]uint32{},
		nextIno:     firstFreeInode,
	}

	root := &fsInode{ino: inoRoot, kind: kindDir, mode: 0o755, atime: now, mtime: now, ctime: now, children: map[string]uint32{}, parent: inoRoot}
	f.inodes[inoRoot] = root
	f.pathIndex["/"] = inoRoot

	lf := &fsInode{ino: inoLostFound, kind: kindDir, mode: 0o700, atime: now, mtime: now, ctime: now, children: map[string]uint32{}, parent: inoRoot}
	f.inodes[inoLostFound] = lf
	root.children["lost+found"] = inoLostFound
	f.pathIndex["/lost+found"] = inoLostFound

	return f, nil
}

func cleanPath(p string) string {
	p = path.Clean("/" + p)
	return p
}

func splitPath(p string) []string {
	p = strings.Trim(cleanPath(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ensureParents walks (and auto-creates as 0o755 dirs) every path component
// up to but not including the final name, returning the parent inode.
func (f *Formatter) ensureParents(p string) (*fsInode, error) {
	parts := splitPath(p)
	cur := f.inodes[inoRoot]
	built := ""
	for i := 0; i < len(parts)-1; i++ {
		built += "/" + parts[i]
		if ino, ok := f.pathIndex[built]; ok {
			child := f.inodes[ino]
			if child.kind != kindDir {
				return nil, failure.Newf(failure.NotADirectory, "%s is not a directory", built)
			}
			cur = child
			continue
		}
		now := time.Now().Unix()
		ino := f.allocInode()
		d := &fsInode{ino: ino, kind: kindDir, mode: 0o755, atime: now, mtime: now, ctime: now, children: map[string]uint32{}, parent: cur.ino}
		f.inodes[ino] = d
		cur.children[parts[i]] = ino
		f.pathIndex[built] = ino
		cur = d
	}
	return cur, nil
}

func (f *Formatter) allocInode() uint32 {
	ino := f.nextIno
	f.nextIno++
	return ino
}

func (f *Formatter) allocBlocks(n int) uint32 {
	start := uint32(len(f.blocks))
	for i := 0; i < n; i++ {
		f.blocks = append(f.blocks, make([]byte, BlockSize))
	}
	return start
}

// CreateDir materializes a directory inode at path. Re-creating an existing
// directory is idempotent: the existing entry merges (no-op).
func (f *Formatter) CreateDir(p string, mode uint16) error {
	if f.closed {
		return failure.New(failure.InvalidState, "formatter closed")
	}
	p = cleanPath(p)
	if ino, ok := f.pathIndex[p]; ok {
		if f.inodes[ino].kind != kindDir {
			return failure.Newf(failure.Exists, "%s exists and is not a directory", p)
		}
		return nil
	}
	parent, err := f.ensureParents(p)
	if err != nil {
		return err
	}
	name := path.Base(p)
	now := time.Now().Unix()
	ino := f.allocInode()
	d := &fsInode{ino: ino, kind: kindDir, mode: mode, atime: now, mtime: now, ctime: now, children: map[string]uint32{}, parent: parent.ino}
	f.inodes[ino] = d
	parent.children[name] = ino
	f.pathIndex[p] = ino
	return nil
}

const maxExtentLen = 32768

// CreateFile materializes a regular file whose bytes are consumed from r.
// The extent tree grows as bytes arrive; blocks are bump-allocated so data
// lands in contiguous extents whenever the writes are contiguous, which
// every caller here satisfies (single-pass streaming writes).
func (f *Formatter) CreateFile(p string, mode uint16, r io.Reader) error {
	if f.closed {
		return failure.New(failure.InvalidState, "formatter closed")
	}
	p = cleanPath(p)
	parent, err := f.ensureParents(p)
	if err != nil {
		return err
	}
	name := path.Base(p)

	start := uint32(len(f.blocks))
	var total uint64
	buf := make([]byte, BlockSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			block := make([]byte, BlockSize)
			copy(block, buf[:n])
			f.blocks = append(f.blocks, block)
			total += uint64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return failure.Wrap(failure.InternalError, "read file contents", rerr)
		}
	}
	count := uint32(len(f.blocks)) - start

	var extents []extentRange
	for remaining, cursor := count, start; remaining > 0; {
		n := remaining
		if n > maxExtentLen {
			n = maxExtentLen
		}
		extents = append(extents, extentRange{startPool: cursor, count: n})
		cursor += n
		remaining -= n
	}
	if len(extents) > maxInlineExt {
		return failure.Newf(failure.InternalError, "%s too large: %d extents exceeds inline limit %d", p, len(extents), maxInlineExt)
	}

	now := time.Now().Unix()
	var ino uint32
	if existing, ok := f.pathIndex[p]; ok {
		ino = existing
	} else {
		ino = f.allocInode()
		parent.children[name] = ino
		f.pathIndex[p] = ino
	}
	f.inodes[ino] = &fsInode{ino: ino, kind: kindReg, mode: mode, atime: now, mtime: now, ctime: now, size: total, extents: extents, parent: parent.ino}
	return nil
}

// CreateSymlink materializes a symbolic link. Targets under fastSymlinkMax
// bytes are stored inline in the inode; longer targets get one extent.
func (f *Formatter) CreateSymlink(linkPath, target string, mode uint16) error {
	if f.closed {
		return failure.New(failure.InvalidState, "formatter closed")
	}
	linkPath = cleanPath(linkPath)
	parent, err := f.ensureParents(linkPath)
	if err != nil {
		return err
	}
	name := path.Base(linkPath)

	now := time.Now().Unix()
	ino := f.allocInode()
	in := &fsInode{ino: ino, kind: kindSymlink, mode: mode, atime: now, mtime: now, ctime: now, size: uint64(len(target)), parent: parent.ino}
	if len(target) < fastSymlinkMax {
		in.linkTarget = target
	} else {
		start := f.allocBlocks(1)
		copy(f.blocks[start], []byte(target))
		in.extents = []extentRange{{startPool: start, count: 1}}
	}
	f.inodes[ino] = in
	parent.children[name] = ino
	f.pathIndex[linkPath] = ino
	return nil
}

// removePath removes a previously created entry (and, for a directory,
// every descendant), supporting OCI whiteout semantics during unpack.
func (f *Formatter) removePath(p string) {
	p = cleanPath(p)
	ino, ok := f.pathIndex[p]
	if !ok {
		return
	}
	in := f.inodes[ino]
	if in.kind == kindDir {
		for name := range in.children {
			f.removePath(p + "/" + name)
		}
	}
	parentIno := in.parent
	if parent, ok := f.inodes[parentIno]; ok {
		delete(parent.children, path.Base(p))
	}
	delete(f.inodes, ino)
	delete(f.pathIndex, p)
}

// clearDirContents implements an opaque whiteout: remove every existing
// child of dirPath without removing the directory itself.
func (f *Formatter) clearDirContents(dirPath string) {
	dirPath = cleanPath(dirPath)
	ino, ok := f.pathIndex[dirPath]
	if !ok {
		return
	}
	in := f.inodes[ino]
	if in.kind != kindDir {
		return
	}
	for name := range in.children {
		f.removePath(dirPath + "/" + name)
	}
}

// UnpackProgress reports unpack progress as entries are consumed.
type UnpackProgress func(path string, done, total int64)

// Unpack streams a paxRestricted tar archive (optionally gzip-compressed)
// and, for each entry, performs the appropriate create() call. Directories
// merge idempotently; whiteout entries remove previously-added paths,
// implementing OCI layer overlay semantics.
func (f *Formatter) Unpack(r io.Reader, compression string, progress UnpackProgress) error {
	if f.closed {
		return failure.New(failure.InvalidState, "formatter closed")
	}

	switch compression {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return failure.Wrap(failure.InternalError, "open gzip layer", err)
		}
		defer gz.Close()
		r = gz
	case "none", "":
	default:
		return failure.Newf(failure.Unsupported, "unsupported compression %q", compression)
	}

	tr := tar.NewReader(r)
	var done int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return failure.Wrap(failure.InternalError, "read tar entry", err)
		}

		cleanName := path.Clean("/" + hdr.Name)
		if strings.HasPrefix(strings.TrimPrefix(cleanName, "/"), "..") {
			continue
		}
		base := path.Base(cleanName)
		dir := path.Dir(cleanName)

		if base == ".wh..wh..opq" {
			f.clearDirContents(dir)
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			f.removePath(path.Join(dir, strings.TrimPrefix(base, ".wh.")))
			continue
		}

		mode := uint16(hdr.Mode & 0o7777)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := f.CreateDir(cleanName, mode); err != nil {
				return err
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := f.CreateFile(cleanName, mode, tr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := f.CreateSymlink(cleanName, hdr.Linkname, mode); err != nil {
				return err
			}
		case tar.TypeLink:
			// Hard links: alias the target inode under the new name.
			target := path.Clean("/" + hdr.Linkname)
			if ino, ok := f.pathIndex[target]; ok {
				parent, err := f.ensureParents(cleanName)
				if err != nil {
					return err
				}
				parent.children[path.Base(cleanName)] = ino
				f.pathIndex[cleanName] = ino
			}
		default:
			// character/block devices, fifos: not needed by this system's
			// scenarios; skip rather than fail the whole layer.
		}

		done++
		if progress != nil {
			progress(cleanName, done, hdr.Size)
		}
	}
}

func sortedNames(m map[string]uint32) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
