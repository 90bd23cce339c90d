// Package ext4 implements a minimal, from-scratch ext4 filesystem writer
// (Formatter) and reader, sized for building a container rootfs image
// directly from OCI layer tar streams and reading it back without any host
// kernel mount. This is the concentrated custom component of the system: no
// third-party disk-image library is used here (see the project's design
// notes for why).
//
// Layout decisions, all scoped to what the rest of the system needs:
//   - A single block group. Bitmaps are one block each, which bounds an
//     image to 8*blockSize blocks (128MiB of addressable blocks at the
//     default 4096-byte block size) before a second group would be needed.
//     Container rootfs images built from OCI layers in this system's test
//     scenarios are well under that; multi-group support is not built.
//   - Directories are linear extent-backed ext4_dir_entry_2 sequences, not
//     HTree-indexed. HTree is a lookup optimization for directories with
//     thousands of entries; every directory this system creates is small
//     enough that a linear scan is the correct implementation, not a
//     shortcut.
//   - Extents are leaf-only (depth 0), inline in the inode's i_block array
//     (up to 4 extents, ~512MiB per file at the default block size). No
//     external extent index blocks.
package ext4

import "encoding/binary"

const (
	// BlockSize is the only block size this Formatter produces.
	BlockSize = 4096

	magicExt4 = 0xEF53

	// Well-known block indices within the single group.
	blockSuperblock   = 0 // superblock lives at byte offset 1024 within block 0
	blockGroupDescTbl = 1
	blockBlockBitmap  = 2
	blockInodeBitmap  = 3
	blockInodeTable   = 4

	superblockOffset = 1024
	superblockSize   = 1024
	groupDescSize    = 64
	inodeSize        = 256

	// Reserved inode numbers. 1-10 are reserved per ext4 convention; the
	// root directory is inode 2 and lost+found is inode 11. Allocation of new
	// inodes starts at 12.
	inoRoot        = 2
	inoLostFound   = 11
	firstFreeInode = 12

	// i_mode type bits (the subset ext4/POSIX needs here).
	modeFmt    = 0xF000
	modeDir    = 0x4000
	modeReg    = 0x8000
	modeSymlnk = 0xA000

	// ext4_dir_entry_2 file_type values.
	ftUnknown = 0
	ftRegular = 1
	ftDir     = 2
	ftSymlink = 7

	// extent header magic (little endian on disk: 0x0A 0xF3).
	extentMagic  = 0xF30A
	maxInlineExt = 4 // (60 - 12) / 12

	fastSymlinkMax = 60 // i_block is 60 bytes; a target that fits is stored inline

	inodeFlagExtents = 0x00080000 // EXT4_EXTENTS_FL
)

var le = binary.LittleEndian
