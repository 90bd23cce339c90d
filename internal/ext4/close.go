package ext4

import (
	"os"

	"github.com/nanovisor/nanovisor/internal/failure"
)

// Close flushes bitmaps, inode tables, group descriptors, directory
// contents and the superblock; after Close the file is a standalone ext4
// image. Partial images (before Close) must never be opened by Reader.
func (f *Formatter) Close() error {
	if f.closed {
		return nil
	}

	// Materialize directory contents now that every create()/unpack() call
	// (including whiteout removals) has been applied.
	for _, in := range f.inodes {
		if in.kind != kindDir {
			continue
		}
		in.extents = f.writeDirBlocks(in)
	}

	inodesTotal := f.nextIno - 1 // inodes 1..nextIno-1 (1-10 reserved, rest allocated)
	inodeTableBlocks := uint32((uint64(inodesTotal)*inodeSize + BlockSize - 1) / BlockSize)
	dataStart := uint32(blockInodeTable) + inodeTableBlocks

	totalBlocks := dataStart + uint32(len(f.blocks))
	minBlocks := uint32((f.minDiskSize + BlockSize - 1) / BlockSize)
	if totalBlocks < minBlocks {
		totalBlocks = minBlocks
	}
	if totalBlocks > BlockSize*8 {
		return failure.Newf(failure.InternalError, "image requires %d blocks, exceeds single-group limit %d", totalBlocks, BlockSize*8)
	}

	out, err := os.Create(f.path)
	if err != nil {
		return failure.Wrap(failure.InternalError, "create image file", err)
	}
	defer out.Close()

	if err := out.Truncate(int64(totalBlocks) * BlockSize); err != nil {
		return failure.Wrap(failure.InternalError, "size image file", err)
	}

	// Block 0: superblock at offset 1024.
	sbBlock := make([]byte, BlockSize)
	writeSuperblock(sbBlock[superblockOffset:superblockOffset+superblockSize], totalBlocks, inodesTotal)
	if _, err := out.WriteAt(sbBlock, int64(blockSuperblock)*BlockSize); err != nil {
		return failure.Wrap(failure.InternalError, "write superblock", err)
	}

	// Block 1: group descriptor.
	gdBlock := make([]byte, BlockSize)
	usedBlocks := dataStart + uint32(len(f.blocks))
	writeGroupDesc(gdBlock[:groupDescSize], usedBlocks, totalBlocks, inodesTotal, inodeTableBlocks)
	if _, err := out.WriteAt(gdBlock, int64(blockGroupDescTbl)*BlockSize); err != nil {
		return failure.Wrap(failure.InternalError, "write group descriptor", err)
	}

	// Block 2: block bitmap — mark metadata + used data blocks as used.
	blockBitmap := make([]byte, BlockSize)
	for b := uint32(0); b < usedBlocks; b++ {
		setBit(blockBitmap, int(b))
	}
	if _, err := out.WriteAt(blockBitmap, int64(blockBlockBitmap)*BlockSize); err != nil {
		return failure.Wrap(failure.InternalError, "write block bitmap", err)
	}

	// Block 3: inode bitmap — mark reserved 1..10 and allocated inodes used.
	inodeBitmap := make([]byte, BlockSize)
	for i := uint32(1); i <= inodesTotal; i++ {
		setBit(inodeBitmap, int(i-1))
	}
	if _, err := out.WriteAt(inodeBitmap, int64(blockInodeBitmap)*BlockSize); err != nil {
		return failure.Wrap(failure.InternalError, "write inode bitmap", err)
	}

	// Inode table.
	table := make([]byte, uint64(inodeTableBlocks)*BlockSize)
	for ino, in := range f.inodes {
		off := (ino - 1) * inodeSize
		writeInode(table[off:off+inodeSize], in, dataStart)
	}
	if _, err := out.WriteAt(table, int64(blockInodeTable)*BlockSize); err != nil {
		return failure.Wrap(failure.InternalError, "write inode table", err)
	}

	// Data region.
	for i, block := range f.blocks {
		if _, err := out.WriteAt(block, (int64(dataStart)+int64(i))*BlockSize); err != nil {
			return failure.Wrap(failure.InternalError, "write data block", err)
		}
	}

	f.closed = true
	return nil
}

func setBit(b []byte, i int) { b[i/8] |= 1 << uint(i%8) }

// writeDirBlocks serializes a directory's children (plus "." and "..") as
// ext4_dir_entry_2 records and bump-allocates the blocks to hold them,
// returning the resulting extent list.
func (f *Formatter) writeDirBlocks(in *fsInode) []extentRange {
	type ent struct {
		name string
		ino  uint32
		ft   uint8
	}
	entries := []ent{
		{".", in.ino, ftDir},
		{"..", in.parent, ftDir},
	}
	for _, name := range sortedNames(in.children) {
		childIno := in.children[name]
		child := f.inodes[childIno]
		ft := uint8(ftUnknown)
		switch child.kind {
		case kindDir:
			ft = ftDir
		case kindReg:
			ft = ftRegular
		case kindSymlink:
			ft = ftSymlink
		}
		entries = append(entries, ent{name, childIno, ft})
	}

	var blocks [][]byte
	cur := make([]byte, BlockSize)
	pos := 0
	flush := func() {
		blocks = append(blocks, cur)
		cur = make([]byte, BlockSize)
		pos = 0
	}
	for idx, e := range entries {
		recLen := dirEntryLen(len(e.name))
		last := idx == len(entries)-1
		if pos+recLen > BlockSize {
			flush()
		}
		actualLen := recLen
		if last || pos+recLen+8 > BlockSize {
			// Extend the last entry in the block to the block boundary.
			actualLen = BlockSize - pos
		}
		writeDirEntry(cur[pos:pos+actualLen], e.ino, e.name, e.ft, actualLen)
		pos += actualLen
		if pos >= BlockSize {
			flush()
		}
	}
	if pos > 0 {
		blocks = append(blocks, cur)
	}

	start := uint32(len(f.blocks))
	f.blocks = append(f.blocks, blocks...)
	in.size = uint64(len(blocks)) * BlockSize
	return []extentRange{{startPool: start, count: uint32(len(blocks))}}
}

func dirEntryLen(nameLen int) int {
	n := 8 + nameLen
	if n%4 != 0 {
		n += 4 - n%4
	}
	return n
}

func writeDirEntry(b []byte, ino uint32, name string, fileType uint8, recLen int) {
	le.PutUint32(b[0:4], ino)
	le.PutUint16(b[4:6], uint16(recLen))
	b[6] = byte(len(name))
	b[7] = fileType
	copy(b[8:8+len(name)], name)
}
