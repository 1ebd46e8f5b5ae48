// Package ata drives the primary ATA PIO channel (ports 0x1F0-0x1F7),
// master device only, one 512-byte sector at a time via 28-bit LBA
// addressing. This is the only disk access this kernel has: no DMA, no
// slave device, no ATAPI.
package ata

import (
	"ringcore/kernel"
	"ringcore/kernel/cpu"
)

const (
	portData      = uint16(0x1f0)
	portError     = uint16(0x1f1)
	portSectorCnt = uint16(0x1f2)
	portLBALow    = uint16(0x1f3)
	portLBAMid    = uint16(0x1f4)
	portLBAHigh   = uint16(0x1f5)
	portDriveHead = uint16(0x1f6)
	portCommand   = uint16(0x1f7)
	portStatus    = uint16(0x1f7)

	cmdReadSectors  = uint8(0x20)
	cmdWriteSectors = uint8(0x30)

	statusBusy  = uint8(1 << 7)
	statusReady = uint8(1 << 3)
	statusError = uint8(1 << 0)

	masterLBAMode = uint8(0xe0) // drive 0 (master), LBA mode

	sectorSizeWords = 256
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
	portWriteWordFn = cpu.PortWriteWord
	portReadWordFn  = cpu.PortReadWord

	errDiskTimeout = &kernel.Error{Module: "ata", Message: "drive did not become ready"}
	errDiskFault   = &kernel.Error{Module: "ata", Message: "drive reported a command error"}
)

func selectSector(lba uint32, sectorCount uint8) {
	portWriteByteFn(portDriveHead, masterLBAMode|uint8((lba>>24)&0x0f))
	portWriteByteFn(portSectorCnt, sectorCount)
	portWriteByteFn(portLBALow, uint8(lba&0xff))
	portWriteByteFn(portLBAMid, uint8((lba>>8)&0xff))
	portWriteByteFn(portLBAHigh, uint8((lba>>16)&0xff))
}

func waitReady() *kernel.Error {
	for i := 0; i < 1_000_000; i++ {
		status := portReadByteFn(portStatus)
		if status&statusError != 0 {
			return errDiskFault
		}
		if status&statusBusy == 0 && status&statusReady != 0 {
			return nil
		}
	}

	return errDiskTimeout
}

// ReadSector reads one 512-byte sector at the given LBA28 address into buf,
// which must be at least 512 bytes long.
func ReadSector(lba uint32, buf []byte) *kernel.Error {
	selectSector(lba, 1)
	portWriteByteFn(portCommand, cmdReadSectors)

	if err := waitReady(); err != nil {
		return err
	}

	for i := 0; i < sectorSizeWords; i++ {
		word := portReadWordFn(portData)
		buf[i*2] = uint8(word & 0xff)
		buf[i*2+1] = uint8(word >> 8)
	}

	return nil
}

// WriteSector writes 512 bytes from buf to the sector at the given LBA28
// address.
func WriteSector(lba uint32, buf []byte) *kernel.Error {
	selectSector(lba, 1)
	portWriteByteFn(portCommand, cmdWriteSectors)

	if err := waitReady(); err != nil {
		return err
	}

	for i := 0; i < sectorSizeWords; i++ {
		word := uint16(buf[i*2]) | uint16(buf[i*2+1])<<8
		portWriteWordFn(portData, word)
	}

	return nil
}
