// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package partition decodes the MBR partition table found in the first block of a device.
package partition

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	MBR_LEN = 512

	mbrSignatureOffset = 0x01fe
	diskSignatureOff   = 0x01b8
	partitionTableOff  = 0x01be
	partitionEntryLen  = 16
	maxPrimary         = 4

	BOOT_FLAG_ACTIVE = 0x80

	TYPE_EMPTY      = 0x00
	TYPE_EXTENDED   = 0x05
	TYPE_EXTENDED_L = 0x0f
	TYPE_PROTECTIVE = 0xee
)

var (
	ErrNoMBR       = errors.New("no MBR signature")
	ErrShortSector = errors.New("first block shorter than an MBR")
)

var typeNames = map[uint8]string{
	0x01: "FAT12",
	0x04: "FAT16 <32M",
	0x05: "Extended",
	0x06: "FAT16",
	0x07: "HPFS/NTFS/exFAT",
	0x0b: "W95 FAT32",
	0x0c: "W95 FAT32 (LBA)",
	0x0e: "W95 FAT16 (LBA)",
	0x0f: "W95 Ext'd (LBA)",
	0x82: "Linux swap",
	0x83: "Linux",
	0x8e: "Linux LVM",
	0xa5: "FreeBSD",
	0xaf: "HFS / HFS+",
	0xee: "GPT",
	0xef: "EFI (FAT-12/16/32)",
}

// BlockReader is the subset of usbmsc.Device needed to read a partition table.
type BlockReader interface {
	BlockSize() int
	ReadBlocks(lba uint32, p []byte) error
}

// Entry is one primary partition table slot.
type Entry struct {
	Index    int
	Bootable bool
	Type     uint8
	StartLBA uint32
	Sectors  uint32
}

func (e Entry) TypeName() string {
	if name, ok := typeNames[e.Type]; ok {
		return name
	}
	return "Unknown"
}

func (e Entry) IsExtended() bool {
	return e.Type == TYPE_EXTENDED || e.Type == TYPE_EXTENDED_L
}

func (e Entry) String() string {
	boot := " "
	if e.Bootable {
		boot = "*"
	}
	return fmt.Sprintf("%d %s start %d sectors %d type %#02x (%s)", e.Index, boot, e.StartLBA, e.Sectors, e.Type, e.TypeName())
}

type Table struct {
	DiskSignature uint32
	Partitions    []Entry
}

// Protective reports whether the table is a GPT protective MBR.
func (t Table) Protective() bool {
	for _, p := range t.Partitions {
		if p.Type == TYPE_PROTECTIVE {
			return true
		}
	}
	return false
}

// Parse decodes the primary partition table from the first sector of a disk. Empty slots are
// omitted.
func Parse(sector []byte) (Table, error) {
	var t Table

	if len(sector) < MBR_LEN {
		return t, ErrShortSector
	}

	if sector[mbrSignatureOffset] != 0x55 || sector[mbrSignatureOffset+1] != 0xaa {
		return t, ErrNoMBR
	}

	t.DiskSignature = binary.LittleEndian.Uint32(sector[diskSignatureOff:])

	for i := 0; i < maxPrimary; i++ {
		p := sector[partitionTableOff+i*partitionEntryLen:]

		e := Entry{
			Index:    i + 1,
			Bootable: p[0]&BOOT_FLAG_ACTIVE != 0,
			Type:     p[4],
			StartLBA: binary.LittleEndian.Uint32(p[8:12]),
			Sectors:  binary.LittleEndian.Uint32(p[12:16]),
		}

		if e.Type == TYPE_EMPTY {
			continue
		}

		t.Partitions = append(t.Partitions, e)
	}

	return t, nil
}

// Read reads block 0 of d and decodes its partition table.
func Read(d BlockReader) (Table, error) {
	bs := d.BlockSize()
	if bs < MBR_LEN {
		return Table{}, errors.Wrapf(ErrShortSector, "block size %d", bs)
	}

	buf := make([]byte, bs)
	if err := d.ReadBlocks(0, buf); err != nil {
		return Table{}, errors.Wrap(err, "read MBR")
	}

	return Parse(buf)
}
