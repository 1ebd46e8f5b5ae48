// Package fat12 implements the on-disk FAT12 filesystem used by the
// syscall gateway's EXECUTE, PRINTROOTDIR and file-operation calls: a
// 224-entry root directory, two 9-sector FAT copies and a cluster-granular
// data area, read and written one 512-byte sector at a time through
// driver/ata.
package fat12

import (
	"ringcore/driver/ata"
	"ringcore/kernel"
)

const (
	bytesPerSector = 512

	reservedSectors = 1
	fatCount        = 2
	sectorsPerFAT   = 9
	rootEntryCount  = 224
	dirEntrySize    = 32

	// rootDirLBA is the first LBA of the 224-entry root directory,
	// immediately after the reserved sector and both FAT copies.
	rootDirLBA = reservedSectors + fatCount*sectorsPerFAT

	// rootDirSectors is the number of sectors the root directory spans.
	rootDirSectors = (rootEntryCount*dirEntrySize + bytesPerSector - 1) / bytesPerSector

	// dataAreaLBA is the first LBA of cluster 2, the lowest valid data
	// cluster number in FAT12.
	dataAreaLBA = rootDirLBA + rootDirSectors

	// firstDataCluster is the lowest cluster number FAT12 considers part
	// of the data area; clusters 0 and 1 are reserved.
	firstDataCluster = 2

	// endOfChainCutoff is the smallest FAT12 entry value that marks the
	// end of a cluster chain.
	endOfChainCutoff = uint16(0x0ff0)

	freeCluster = uint16(0x000)

	attrDirectory = uint8(0x10)
	attrVolumeID  = uint8(0x08)

	entryFree    = byte(0x00)
	entryDeleted = byte(0xe5)
)

var (
	errNotFound    = &kernel.Error{Module: "fat12", Message: "file not found"}
	errNoFreeEntry = &kernel.Error{Module: "fat12", Message: "root directory is full"}
	errNoFreeSpace = &kernel.Error{Module: "fat12", Message: "no free clusters remain"}
	errBadHandle   = &kernel.Error{Module: "fat12", Message: "invalid file handle"}
	errAlreadyOpen = &kernel.Error{Module: "fat12", Message: "too many open files"}

	// readSectorFn/writeSectorFn are mocked by tests and automatically
	// inlined by the compiler when building the kernel.
	readSectorFn  = ata.ReadSector
	writeSectorFn = ata.WriteSector
)

// DirEntry mirrors one raw 32-byte FAT12 directory entry.
type DirEntry struct {
	Name         [8]byte
	Ext          [3]byte
	Attr         uint8
	reserved     [10]byte
	Time         uint16
	Date         uint16
	FirstCluster uint16
	Size         uint32
}

// Filename renders the 8.3 name as "NAME.EXT" (or just "NAME" with no
// extension), trimming trailing spaces.
func (e *DirEntry) Filename() string {
	name := trimSpaces(e.Name[:])
	ext := trimSpaces(e.Ext[:])
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func trimSpaces(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return string(b[:end])
}

// Handle identifies an open file.
type Handle uint32

type openFile struct {
	entry     DirEntry
	dirLBA    uint32
	dirOffset uint32
	pos       uint32
	inUse     bool
}

const maxOpenFiles = 16

var openFiles [maxOpenFiles]openFile

// ReadRootDir reads the occupied entries of the 224-entry root directory,
// skipping deleted entries and the volume label, and stops at the first
// never-used slot.
func ReadRootDir() ([]DirEntry, *kernel.Error) {
	var out []DirEntry

	var sector [bytesPerSector]byte
	for s := uint32(0); s < rootDirSectors; s++ {
		if err := readSectorFn(rootDirLBA+s, sector[:]); err != nil {
			return nil, err
		}

		for off := 0; off+dirEntrySize <= bytesPerSector; off += dirEntrySize {
			if sector[off] == entryFree {
				return out, nil
			}
			if sector[off] == entryDeleted {
				continue
			}

			e := decodeEntry(sector[off : off+dirEntrySize])
			if e.Attr&attrVolumeID != 0 {
				continue
			}
			out = append(out, e)
		}
	}

	return out, nil
}

func decodeEntry(raw []byte) DirEntry {
	var e DirEntry
	copy(e.Name[:], raw[0:8])
	copy(e.Ext[:], raw[8:11])
	e.Attr = raw[11]
	e.Time = le16(raw[22:24])
	e.Date = le16(raw[24:26])
	e.FirstCluster = le16(raw[26:28])
	e.Size = le32(raw[28:32])
	return e
}

func encodeEntry(e *DirEntry, raw []byte) {
	copy(raw[0:8], e.Name[:])
	copy(raw[8:11], e.Ext[:])
	raw[11] = e.Attr
	putLE16(raw[22:24], e.Time)
	putLE16(raw[24:26], e.Date)
	putLE16(raw[26:28], e.FirstCluster)
	putLE32(raw[28:32], e.Size)
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }
func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// clusterToLBA converts a FAT12 cluster number to its first LBA.
func clusterToLBA(cluster uint16) uint32 {
	return dataAreaLBA + uint32(cluster-firstDataCluster)
}

func splitName(name string) ([8]byte, [3]byte) {
	var n [8]byte
	var x [3]byte
	for i := range n {
		n[i] = ' '
	}
	for i := range x {
		x[i] = ' '
	}

	base, ext := name, ""
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			base, ext = name[:i], name[i+1:]
			break
		}
	}
	copy(n[:], base)
	copy(x[:], ext)
	return n, x
}
