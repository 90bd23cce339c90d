package ext4

import (
	"io"
	"os"
	"sort"
	"strings"

	"github.com/nanovisor/nanovisor/internal/failure"
)

// Extent is one physical run backing part of a file or directory's content.
type Extent struct {
	Logical  uint32
	Physical uint32
	Count    uint32
}

// Inode is the parsed, read-only view of an on-disk inode.
type Inode struct {
	Number        uint32
	Mode          uint16 // includes type bits
	Size          uint64
	Extents       []Extent
	IsFastSymlink bool
	InlineTarget  string
}

func (in *Inode) IsDir() bool     { return in.Mode&modeFmt == modeDir }
func (in *Inode) IsRegular() bool { return in.Mode&modeFmt == modeReg }
func (in *Inode) IsSymlink() bool { return in.Mode&modeFmt == modeSymlnk }

// Reader opens a closed ext4 image and exposes path-level read APIs
// without any host kernel mount.
type Reader struct {
	f                *os.File
	inodesTotal      uint32
	totalBlocks      uint32
	inodeTableBlocks uint32
	dataStart        uint32
}

// Open opens path as a closed ext4 image for reading.
func Open(imagePath string) (*Reader, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "open image", err)
	}
	sb := make([]byte, superblockSize)
	if _, err := f.ReadAt(sb, int64(blockSuperblock)*BlockSize+superblockOffset); err != nil {
		f.Close()
		return nil, failure.Wrap(failure.InternalError, "read superblock", err)
	}
	if magic := le.Uint16(sb[56:58]); magic != magicExt4 {
		f.Close()
		return nil, failure.Newf(failure.InvalidPath, "not an ext4 image (magic %x)", magic)
	}
	inodesTotal := le.Uint32(sb[0:4])
	totalBlocks := le.Uint32(sb[4:8])
	inodeTableBlocks := uint32((uint64(inodesTotal)*inodeSize + BlockSize - 1) / BlockSize)
	dataStart := uint32(blockInodeTable) + inodeTableBlocks

	return &Reader{f: f, inodesTotal: inodesTotal, totalBlocks: totalBlocks, inodeTableBlocks: inodeTableBlocks, dataStart: dataStart}, nil
}

func (r *Reader) Close() error { return r.f.Close() }

func (r *Reader) readInode(ino uint32) (*Inode, error) {
	if ino == 0 || ino > r.inodesTotal {
		return nil, failure.Newf(failure.NotFound, "inode %d out of range", ino)
	}
	raw := make([]byte, inodeSize)
	off := int64(blockInodeTable)*BlockSize + int64(ino-1)*inodeSize
	if _, err := r.f.ReadAt(raw, off); err != nil {
		return nil, failure.Wrap(failure.InternalError, "read inode", err)
	}

	mode := le.Uint16(raw[0:2])
	sizeLo := le.Uint32(raw[4:8])
	flags := le.Uint32(raw[32:36])
	sizeHi := le.Uint32(raw[108:112])
	size := uint64(sizeHi)<<32 | uint64(sizeLo)
	block := raw[40:100]

	in := &Inode{Number: ino, Mode: mode, Size: size}

	if flags&inodeFlagExtents == 0 && mode&modeFmt == modeSymlnk {
		in.IsFastSymlink = true
		in.InlineTarget = string(block[:size])
		return in, nil
	}

	if le.Uint16(block[0:2]) != extentMagic {
		// Directories/files with no data (empty) may have zero entries; an
		// empty extent header is still valid.
		return in, nil
	}
	entries := le.Uint16(block[2:4])
	for i := uint16(0); i < entries && i < maxInlineExt; i++ {
		o := 12 + int(i)*12
		logical := le.Uint32(block[o : o+4])
		count := le.Uint16(block[o+4 : o+6])
		physical := le.Uint32(block[o+8 : o+12])
		in.Extents = append(in.Extents, Extent{Logical: logical, Physical: physical, Count: uint32(count)})
	}
	return in, nil
}

type dirEnt struct {
	name string
	ino  uint32
	ft   uint8
}

func (r *Reader) readDirEntries(in *Inode) ([]dirEnt, error) {
	if !in.IsDir() {
		return nil, failure.New(failure.NotADirectory, "not a directory")
	}
	var out []dirEnt
	for _, ext := range in.Extents {
		buf := make([]byte, int64(ext.Count)*BlockSize)
		if _, err := r.f.ReadAt(buf, int64(ext.Physical)*BlockSize); err != nil {
			return nil, failure.Wrap(failure.InternalError, "read directory block", err)
		}
		for blk := 0; blk < int(ext.Count); blk++ {
			base := blk * BlockSize
			pos := 0
			for pos < BlockSize {
				rec := buf[base+pos : base+BlockSize]
				ino := le.Uint32(rec[0:4])
				recLen := int(le.Uint16(rec[4:6]))
				if recLen == 0 {
					break
				}
				nameLen := int(rec[6])
				ft := rec[7]
				if ino != 0 && nameLen > 0 {
					name := string(rec[8 : 8+nameLen])
					out = append(out, dirEnt{name: name, ino: ino, ft: ft})
				}
				pos += recLen
			}
		}
	}
	return out, nil
}

func (r *Reader) lookupChild(dir *Inode, name string) (uint32, uint8, error) {
	entries, err := r.readDirEntries(dir)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.name == name {
			return e.ino, e.ft, nil
		}
	}
	return 0, 0, failure.Newf(failure.NotFound, "%s not found", name)
}

const maxSymlinkDepth = 40

// resolve implements the path resolution algorithm: split on '/', walk
// from root, chase symlinks (cycle- and depth-guarded) when
// followSymlinks is true, and return the final inode.
func (r *Reader) resolve(p string, followSymlinks bool) (*Inode, error) {
	parts := splitPath(p)
	cur, err := r.readInode(inoRoot)
	if err != nil {
		return nil, err
	}
	visited := map[uint32]bool{}
	depth := 0

	i := 0
	for i < len(parts) {
		comp := parts[i]
		if comp == "." {
			i++
			continue
		}
		if !cur.IsDir() {
			return nil, failure.Newf(failure.NotADirectory, "%s is not a directory", comp)
		}
		childIno, _, err := r.lookupChild(cur, comp)
		if err != nil {
			return nil, err
		}
		child, err := r.readInode(childIno)
		if err != nil {
			return nil, err
		}

		isLast := i == len(parts)-1
		if child.IsSymlink() && (followSymlinks || !isLast) {
			depth++
			if depth > maxSymlinkDepth {
				return nil, failure.New(failure.SymlinkLoop, "symlink depth exceeded")
			}
			if visited[childIno] {
				return nil, failure.New(failure.SymlinkLoop, "symlink cycle detected")
			}
			visited[childIno] = true

			target, err := r.readSymlinkTarget(child)
			if err != nil {
				return nil, err
			}
			rest := parts[i+1:]
			if strings.HasPrefix(target, "/") {
				cur, err = r.readInode(inoRoot)
				if err != nil {
					return nil, err
				}
				parts = append(splitPath(target), rest...)
				i = 0
				continue
			}
			parts = append(append([]string{}, splitPath(target)...), rest...)
			i = 0
			continue
		}

		cur = child
		i++
	}
	return cur, nil
}

func (r *Reader) readSymlinkTarget(in *Inode) (string, error) {
	if in.IsFastSymlink {
		return in.InlineTarget, nil
	}
	data, err := r.readExtents(in.Extents, 0, int64(in.Size))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Exists reports whether path resolves to anything.
func (r *Reader) Exists(p string, followSymlinks bool) bool {
	_, err := r.resolve(p, followSymlinks)
	return err == nil
}

// Stat resolves path and returns its inode number and parsed Inode.
func (r *Reader) Stat(p string, followSymlinks bool) (uint32, *Inode, error) {
	in, err := r.resolve(p, followSymlinks)
	if err != nil {
		return 0, nil, err
	}
	return in.Number, in, nil
}

// ListDirectory returns sorted child names, excluding "." and "..".
func (r *Reader) ListDirectory(p string) ([]string, error) {
	in, err := r.resolve(p, true)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, failure.Newf(failure.NotADirectory, "%s is not a directory", p)
	}
	entries, err := r.readDirEntries(in)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names, nil
}

// readExtents performs the read-by-extent algorithm: iterate the extent
// list once, maintaining a logical cursor, computing overlap with
// [start, start+want), bounds-checking each physical block against
// totalBlocks, and copying up to 1MiB per I/O.
func (r *Reader) readExtents(extents []Extent, start int64, want int64) ([]byte, error) {
	const maxIO = 1 << 20
	out := make([]byte, 0, want)
	remaining := want
	for _, ext := range extents {
		if remaining <= 0 {
			break
		}
		extStartByte := int64(ext.Logical) * BlockSize
		extLenByte := int64(ext.Count) * BlockSize
		extEndByte := extStartByte + extLenByte
		if start >= extEndByte {
			continue
		}
		readFrom := start
		if readFrom < extStartByte {
			readFrom = extStartByte
		}
		avail := extEndByte - readFrom
		n := remaining
		if n > avail {
			n = avail
		}
		physByteOff := int64(ext.Physical)*BlockSize + (readFrom - extStartByte)

		lastPhysBlock := ext.Physical + ext.Count - 1
		if lastPhysBlock >= r.totalBlocks {
			return out, failure.New(failure.InternalError, "extent exceeds image bounds")
		}

		for n > 0 {
			chunk := n
			if chunk > maxIO {
				chunk = maxIO
			}
			buf := make([]byte, chunk)
			read, err := r.f.ReadAt(buf, physByteOff)
			if read > 0 {
				out = append(out, buf[:read]...)
				n -= int64(read)
				remaining -= int64(read)
				physByteOff += int64(read)
			}
			if err != nil {
				if err == io.EOF {
					return out, nil
				}
				if len(out) > 0 {
					return out, nil
				}
				return out, failure.Wrap(failure.InternalError, "read data block", err)
			}
			if read == 0 {
				break
			}
		}
	}
	return out, nil
}

// ReadFile returns at most count bytes starting at offset. Partial reads at
// EOF are normal; an offset past EOF returns empty. count == nil (pass -1)
// means "read to EOF".
func (r *Reader) ReadFile(p string, offset int64, count int64, followSymlinks bool) ([]byte, error) {
	in, err := r.resolve(p, followSymlinks)
	if err != nil {
		return nil, err
	}
	if in.IsDir() {
		return nil, failure.Newf(failure.IsDirectory, "%s is a directory", p)
	}
	if !in.IsRegular() && !in.IsSymlink() {
		return nil, failure.Newf(failure.NotAFile, "%s is not a regular file", p)
	}
	if offset >= int64(in.Size) {
		return []byte{}, nil
	}
	want := int64(in.Size) - offset
	if count >= 0 && count < want {
		want = count
	}
	if in.IsFastSymlink {
		data := []byte(in.InlineTarget)
		end := offset + want
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if offset > int64(len(data)) {
			return []byte{}, nil
		}
		return data[offset:end], nil
	}
	return r.readExtents(in.Extents, offset, want)
}

// ReadFileInto reads into buffer starting at offset, returning the number
// of bytes written (which may be less than len(buffer) at EOF).
func (r *Reader) ReadFileInto(p string, buffer []byte, offset int64) (int, error) {
	data, err := r.ReadFile(p, offset, int64(len(buffer)), true)
	if err != nil {
		return 0, err
	}
	return copy(buffer, data), nil
}
