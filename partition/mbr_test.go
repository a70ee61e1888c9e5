// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package partition_test

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/usbmsc"
	"github.com/dswarbrick/usbmsc/emulator"
	"github.com/dswarbrick/usbmsc/partition"
)

func putEntry(mbr []byte, slot int, boot, typ uint8, start, sectors uint32) {
	p := mbr[0x1be+slot*16:]
	p[0] = boot
	p[4] = typ
	binary.LittleEndian.PutUint32(p[8:], start)
	binary.LittleEndian.PutUint32(p[12:], sectors)
}

func sampleMBR() []byte {
	mbr := make([]byte, partition.MBR_LEN)
	binary.LittleEndian.PutUint32(mbr[0x1b8:], 0xcafef00d)
	putEntry(mbr, 0, 0x80, 0x0c, 2048, 30000)
	putEntry(mbr, 2, 0x00, 0x83, 32048, 1000)
	mbr[510], mbr[511] = 0x55, 0xaa
	return mbr
}

func TestParse(t *testing.T) {
	assert := assert.New(t)

	tbl, err := partition.Parse(sampleMBR())
	require.NoError(t, err)

	assert.Equal(uint32(0xcafef00d), tbl.DiskSignature)
	require.Len(t, tbl.Partitions, 2)

	p := tbl.Partitions[0]
	assert.Equal(1, p.Index)
	assert.True(p.Bootable)
	assert.Equal("W95 FAT32 (LBA)", p.TypeName())
	assert.Equal(uint32(2048), p.StartLBA)
	assert.Equal(uint32(30000), p.Sectors)

	p = tbl.Partitions[1]
	assert.Equal(3, p.Index)
	assert.False(p.Bootable)
	assert.Equal("Linux", p.TypeName())
	assert.False(p.IsExtended())
	assert.False(tbl.Protective())
}

func TestParseErrors(t *testing.T) {
	_, err := partition.Parse(make([]byte, 100))
	assert.True(t, errors.Is(err, partition.ErrShortSector))

	_, err = partition.Parse(make([]byte, partition.MBR_LEN))
	assert.True(t, errors.Is(err, partition.ErrNoMBR))
}

func TestReadFromDevice(t *testing.T) {
	for _, bs := range []uint32{512, 4096} {
		emu := emulator.New(64, bs)
		copy(emu.Storage(), sampleMBR())

		logger, _ := logtest.NewNullLogger()
		dev := usbmsc.NewDevice(emu)
		dev.SetLogger(logger)
		require.NoError(t, dev.Init())

		tbl, err := partition.Read(dev)
		require.NoError(t, err, "block size %d", bs)
		assert.Len(t, tbl.Partitions, 2)
	}
}

func TestReadUninitializedDevice(t *testing.T) {
	dev := usbmsc.NewDevice(emulator.New(64, 512))

	// BlockSize is 0 until Init
	_, err := partition.Read(dev)
	assert.True(t, errors.Is(err, partition.ErrShortSector))
}
