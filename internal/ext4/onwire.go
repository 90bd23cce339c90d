package ext4

// writeSuperblock fills a 1024-byte ext4 superblock at the standard field
// offsets. Only the fields this system's own Reader (and, ideally, a Linux
// kernel performing a read-only mount) depend on are populated; unused
// fields are left zero.
func writeSuperblock(b []byte, totalBlocks, inodesTotal uint32) {
	le.PutUint32(b[0:4], inodesTotal)     // s_inodes_count
	le.PutUint32(b[4:8], totalBlocks)     // s_blocks_count_lo
	le.PutUint32(b[8:12], 0)              // s_r_blocks_count_lo
	le.PutUint32(b[12:16], totalBlocks-blockInodeTable-((uint32(inodesTotal)*inodeSize+BlockSize-1)/BlockSize)) // s_free_blocks_count_lo (approx: free data blocks)
	le.PutUint32(b[16:20], 0) // s_free_inodes_count (every inode up to inodesTotal is marked used in the bitmap)
	le.PutUint32(b[20:24], blockSuperblock) // s_first_data_block
	le.PutUint32(b[24:28], 2)               // s_log_block_size (1024 << 2 = 4096)
	le.PutUint32(b[28:32], 2)               // s_log_cluster_size
	le.PutUint32(b[32:36], totalBlocks)     // s_blocks_per_group (single group)
	le.PutUint32(b[36:40], totalBlocks)     // s_clusters_per_group
	le.PutUint32(b[40:44], inodesTotal)     // s_inodes_per_group (single group)
	le.PutUint32(b[44:48], 0)               // s_mtime
	le.PutUint32(b[48:52], 0)               // s_wtime
	le.PutUint16(b[52:54], 0)               // s_mnt_count
	le.PutUint16(b[54:56], 0xFFFF)          // s_max_mnt_count (-1: unlimited)
	le.PutUint16(b[56:58], magicExt4)       // s_magic
	le.PutUint16(b[58:60], 1)               // s_state (clean)
	le.PutUint16(b[60:62], 1)               // s_errors (continue)
	le.PutUint32(b[64:68], 0)               // s_lastcheck
	le.PutUint32(b[68:72], 0)               // s_checkinterval
	le.PutUint32(b[72:76], 0)               // s_creator_os (0 = Linux)
	le.PutUint32(b[76:80], 1)               // s_rev_level (dynamic)
	le.PutUint16(b[80:82], 0)               // s_def_resuid
	le.PutUint16(b[82:84], 0)               // s_def_resgid
	le.PutUint32(b[84:88], 11)              // s_first_ino
	le.PutUint16(b[88:90], inodeSize)       // s_inode_size
	le.PutUint16(b[90:92], 0)               // s_block_group_nr
	le.PutUint32(b[92:96], 0x0000002C)       // s_feature_compat (dir_index etc. flags best-effort)
	le.PutUint32(b[96:100], 0x00000002)      // s_feature_incompat: filetype
	le.PutUint32(b[100:104], 0x00000002)     // s_feature_ro_compat: large_file
	copy(b[104:120], make([]byte, 16))        // s_uuid left zero
	copy(b[120:136], []byte("nanovisor-rootfs"))
	copy(b[136:200], make([]byte, 64)) // s_last_mounted, zero
	le.PutUint32(b[200:204], 0)         // s_algorithm_usage_bitmap
	b[204] = 0                          // s_prealloc_blocks
	b[205] = 0                          // s_prealloc_dir_blocks
	le.PutUint16(b[206:208], 0)         // s_reserved_gdt_blocks
}

// writeGroupDesc fills a 64-byte ext4_group_desc for the single block
// group this formatter writes.
func writeGroupDesc(b []byte, usedBlocks, totalBlocks, inodesTotal, inodeTableBlocks uint32) {
	le.PutUint32(b[0:4], blockBlockBitmap) // bg_block_bitmap_lo
	le.PutUint32(b[4:8], blockInodeBitmap) // bg_inode_bitmap_lo
	le.PutUint32(b[8:12], blockInodeTable) // bg_inode_table_lo
	freeBlocks := totalBlocks - usedBlocks
	le.PutUint16(b[12:14], uint16(freeBlocks&0xFFFF)) // bg_free_blocks_count_lo
	le.PutUint16(b[14:16], 0)                         // bg_free_inodes_count_lo (all reserved/allocated accounted for)
	le.PutUint16(b[16:18], 1)                         // bg_used_dirs_count_lo (root)
	le.PutUint16(b[18:20], 0)                         // bg_flags
	le.PutUint32(b[20:24], 0)                         // bg_exclude_bitmap_lo
	le.PutUint16(b[24:26], 0)                         // bg_block_bitmap_csum_lo
	le.PutUint16(b[26:28], 0)                         // bg_inode_bitmap_csum_lo
	le.PutUint16(b[28:30], uint16(inodeTableBlocks))  // bg_itable_unused_lo (best-effort)
	le.PutUint16(b[30:32], 0)                         // bg_checksum
}

func writeInode(b []byte, in *fsInode, dataStart uint32) {
	mode := in.mode & 0o7777
	switch in.kind {
	case kindDir:
		mode |= modeDir
	case kindReg:
		mode |= modeReg
	case kindSymlink:
		mode |= modeSymlnk
	}
	le.PutUint16(b[0:2], mode)                       // i_mode
	le.PutUint16(b[2:4], uint16(in.uid))              // i_uid_lo
	le.PutUint32(b[4:8], uint32(in.size))             // i_size_lo
	le.PutUint32(b[8:12], uint32(in.atime))           // i_atime
	le.PutUint32(b[12:16], uint32(in.ctime))          // i_ctime
	le.PutUint32(b[16:20], uint32(in.mtime))          // i_mtime
	le.PutUint32(b[20:24], 0)                         // i_dtime
	le.PutUint16(b[24:26], uint16(in.gid))            // i_gid_lo
	links := uint16(1)
	if in.kind == kindDir {
		links = uint16(2 + len(in.children))
	}
	le.PutUint16(b[26:28], links) // i_links_count
	le.PutUint32(b[28:32], 0)     // i_blocks_lo

	flags := uint32(0)
	if in.kind == kindSymlink && in.linkTarget != "" {
		// fast symlink: no extent flag, target stored inline below
	} else {
		flags = inodeFlagExtents
	}
	le.PutUint32(b[32:36], flags) // i_flags
	le.PutUint32(b[36:40], 0)     // osd1

	block := b[40:100] // i_block[60]
	if in.kind == kindSymlink && in.linkTarget != "" {
		copy(block, []byte(in.linkTarget))
	} else {
		writeExtentHeader(block, in.extents, dataStart)
	}

	le.PutUint32(b[100:104], 0)          // i_generation
	le.PutUint32(b[104:108], 0)          // i_file_acl_lo
	le.PutUint32(b[108:112], uint32(in.size>>32)) // i_size_high
	le.PutUint32(b[112:116], 0)          // i_obso_faddr
	copy(b[116:128], make([]byte, 12))   // osd2
	le.PutUint16(b[128:130], 32)         // i_extra_isize
}

// writeExtentHeader writes an inline (depth-0) extent tree: a 12-byte
// header followed by up to 4 12-byte extent entries, exactly filling the
// 60-byte i_block array.
func writeExtentHeader(b []byte, extents []extentRange, dataStart uint32) {
	le.PutUint16(b[0:2], extentMagic)        // eh_magic
	le.PutUint16(b[2:4], uint16(len(extents))) // eh_entries
	le.PutUint16(b[4:6], maxInlineExt)       // eh_max
	le.PutUint16(b[6:8], 0)                  // eh_depth (leaf)
	le.PutUint32(b[8:12], 0)                 // eh_generation

	for i, ext := range extents {
		off := 12 + i*12
		// The logical block for extent i is the sum of the counts of all
		// preceding extents in this file (they are laid out contiguously
		// in file-offset order).
		var logical uint32
		for _, prev := range extents[:i] {
			logical += prev.count
		}
		physical := dataStart + ext.startPool
		le.PutUint32(b[off:off+4], logical)             // ee_block
		le.PutUint16(b[off+4:off+6], uint16(ext.count)) // ee_len
		le.PutUint16(b[off+6:off+8], 0)                 // ee_start_hi
		le.PutUint32(b[off+8:off+12], physical)         // ee_start_lo
	}
}
