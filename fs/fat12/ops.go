package fat12

import "ringcore/kernel"

// Open locates name in the root directory and returns a Handle positioned
// at offset 0. The cluster chain is not pre-walked; Read/Write/Seek consult
// the FAT on demand.
func Open(name string) (Handle, *kernel.Error) {
	var sector [bytesPerSector]byte
	for s := uint32(0); s < rootDirSectors; s++ {
		if err := readSectorFn(rootDirLBA+s, sector[:]); err != nil {
			return 0, err
		}

		for off := 0; off+dirEntrySize <= bytesPerSector; off += dirEntrySize {
			if sector[off] == entryFree {
				return 0, errNotFound
			}
			if sector[off] == entryDeleted {
				continue
			}

			e := decodeEntry(sector[off : off+dirEntrySize])
			if e.Attr&attrVolumeID != 0 {
				continue
			}
			if e.Filename() == name {
				return allocHandle(e, rootDirLBA+s, uint32(off))
			}
		}
	}

	return 0, errNotFound
}

// Create adds a new zero-length entry named name to the root directory and
// returns an open Handle to it. Fails if name already exists or the root
// directory has no free slot.
func Create(name string) (Handle, *kernel.Error) {
	if _, err := Open(name); err == nil {
		return 0, &kernel.Error{Module: "fat12", Message: "file already exists"}
	}

	nameBytes, extBytes := splitName(name)
	entry := DirEntry{Name: nameBytes, Ext: extBytes}

	var sector [bytesPerSector]byte
	for s := uint32(0); s < rootDirSectors; s++ {
		if err := readSectorFn(rootDirLBA+s, sector[:]); err != nil {
			return 0, err
		}

		for off := 0; off+dirEntrySize <= bytesPerSector; off += dirEntrySize {
			if sector[off] == entryFree || sector[off] == entryDeleted {
				encodeEntry(&entry, sector[off:off+dirEntrySize])
				if err := writeSectorFn(rootDirLBA+s, sector[:]); err != nil {
					return 0, err
				}
				return allocHandle(entry, rootDirLBA+s, uint32(off))
			}
		}
	}

	return 0, errNoFreeEntry
}

// Delete removes name's directory entry (marking it 0xE5, the standard
// FAT12 tombstone) and frees its entire cluster chain.
func Delete(name string) *kernel.Error {
	h, err := Open(name)
	if err != nil {
		return err
	}
	defer Close(h)

	f := &openFiles[h]

	fat, err := readFAT()
	if err != nil {
		return err
	}
	for _, c := range clusterChain(fat, f.entry.FirstCluster) {
		fatEntrySet(fat, c, freeCluster)
	}
	if err := writeFAT(fat); err != nil {
		return err
	}

	var sector [bytesPerSector]byte
	if err := readSectorFn(f.dirLBA, sector[:]); err != nil {
		return err
	}
	sector[f.dirOffset] = entryDeleted
	return writeSectorFn(f.dirLBA, sector[:])
}

// Close releases h. Reusing a closed handle returns errBadHandle.
func Close(h Handle) *kernel.Error {
	f, err := lookup(h)
	if err != nil {
		return err
	}
	f.inUse = false
	return nil
}

// Seek repositions h's cursor to the given byte offset from the start of
// the file.
func Seek(h Handle, offset uint32) *kernel.Error {
	f, err := lookup(h)
	if err != nil {
		return err
	}
	f.pos = offset
	return nil
}

// Eof reports whether h's cursor has reached the end of the file.
func Eof(h Handle) bool {
	f, err := lookup(h)
	if err != nil {
		return true
	}
	return f.pos >= f.entry.Size
}

// Read copies up to len(buf) bytes starting at h's current cursor into buf,
// advancing the cursor, and returns the number of bytes actually read.
func Read(h Handle, buf []byte) (int, *kernel.Error) {
	f, err := lookup(h)
	if err != nil {
		return 0, err
	}

	remaining := f.entry.Size - f.pos
	if remaining == 0 {
		return 0, nil
	}
	want := uint32(len(buf))
	if want > remaining {
		want = remaining
	}

	fat, err := readFAT()
	if err != nil {
		return 0, err
	}
	chain := clusterChain(fat, f.entry.FirstCluster)

	var sector [bytesPerSector]byte
	read := uint32(0)
	for read < want {
		clusterIdx := int(f.pos / bytesPerSector)
		if clusterIdx >= len(chain) {
			break
		}
		if err := readSectorFn(clusterToLBA(chain[clusterIdx]), sector[:]); err != nil {
			return int(read), err
		}

		offInSector := f.pos % bytesPerSector
		n := uint32(bytesPerSector) - offInSector
		if left := want - read; n > left {
			n = left
		}

		copy(buf[read:read+n], sector[offInSector:offInSector+n])
		read += n
		f.pos += n
	}

	return int(read), nil
}

// Write copies buf into the file starting at h's current cursor, extending
// the cluster chain as needed, and advances the cursor and the file's
// recorded size.
func Write(h Handle, buf []byte) (int, *kernel.Error) {
	f, err := lookup(h)
	if err != nil {
		return 0, err
	}

	fat, err := readFAT()
	if err != nil {
		return 0, err
	}
	chain := clusterChain(fat, f.entry.FirstCluster)

	var sector [bytesPerSector]byte
	written := uint32(0)
	for written < uint32(len(buf)) {
		clusterIdx := int(f.pos / bytesPerSector)
		for clusterIdx >= len(chain) {
			next, err := allocCluster(fat)
			if err != nil {
				return int(written), err
			}
			if len(chain) == 0 {
				f.entry.FirstCluster = next
			} else {
				fatEntrySet(fat, chain[len(chain)-1], next)
			}
			fatEntrySet(fat, next, endOfChainCutoff)
			chain = append(chain, next)
		}

		offInSector := f.pos % bytesPerSector
		if offInSector != 0 || uint32(len(buf))-written < bytesPerSector {
			if err := readSectorFn(clusterToLBA(chain[clusterIdx]), sector[:]); err != nil {
				return int(written), err
			}
		}

		n := uint32(bytesPerSector) - offInSector
		if left := uint32(len(buf)) - written; n > left {
			n = left
		}

		copy(sector[offInSector:offInSector+n], buf[written:written+n])
		if err := writeSectorFn(clusterToLBA(chain[clusterIdx]), sector[:]); err != nil {
			return int(written), err
		}

		written += n
		f.pos += n
		if f.pos > f.entry.Size {
			f.entry.Size = f.pos
		}
	}

	if err := writeFAT(fat); err != nil {
		return int(written), err
	}
	return int(written), flushDirEntry(f)
}

func flushDirEntry(f *openFile) *kernel.Error {
	var sector [bytesPerSector]byte
	if err := readSectorFn(f.dirLBA, sector[:]); err != nil {
		return err
	}
	encodeEntry(&f.entry, sector[f.dirOffset:f.dirOffset+dirEntrySize])
	return writeSectorFn(f.dirLBA, sector[:])
}

func allocHandle(entry DirEntry, dirLBA, dirOffset uint32) (Handle, *kernel.Error) {
	for i := range openFiles {
		if !openFiles[i].inUse {
			openFiles[i] = openFile{entry: entry, dirLBA: dirLBA, dirOffset: dirOffset, inUse: true}
			return Handle(i), nil
		}
	}
	return 0, errAlreadyOpen
}

func lookup(h Handle) (*openFile, *kernel.Error) {
	if int(h) >= len(openFiles) || !openFiles[h].inUse {
		return nil, errBadHandle
	}
	return &openFiles[h], nil
}
