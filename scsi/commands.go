// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI command definitions.

package scsi

import (
	"encoding/binary"
)

const (
	// SCSI commands used by this package
	SCSI_TEST_UNIT_READY  = 0x00
	SCSI_INQUIRY          = 0x12
	SCSI_READ_CAPACITY_10 = 0x25
	SCSI_READ_10          = 0x28
	SCSI_WRITE_10         = 0x2a

	// Minimum length of standard INQUIRY response
	INQ_REPLY_LEN = 36

	// Length of READ CAPACITY (10) parameter data
	READ_CAP_10_REPLY_LEN = 8

	// Largest transfer length expressible in a READ (10) / WRITE (10) CDB, in blocks
	MAX_TRANSFER_BLOCKS_10 = 0xffff
)

// SCSI CDB types
type CDB6 [6]byte
type CDB10 [10]byte

// Direction of the data phase which follows a command.
type Direction int

const (
	DirNone Direction = iota
	DirIn             // device to host
	DirOut            // host to device
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	default:
		return "none"
	}
}

// Command is a SCSI CDB together with the length and direction of its data phase.
type Command interface {
	// Bytes returns the encoded CDB.
	Bytes() []byte
	// DataLength is the number of bytes expected in the data phase.
	DataLength() uint32
	Direction() Direction
}

// Inquiry is the 6-byte INQUIRY command (SPC-4, 6.6).
type Inquiry struct {
	CDB6
}

// NewInquiry returns an INQUIRY requesting allocLen bytes of standard inquiry data.
func NewInquiry(allocLen uint8) *Inquiry {
	c := &Inquiry{}
	c.CDB6[0] = SCSI_INQUIRY
	c.CDB6[4] = allocLen
	return c
}

func (c *Inquiry) Bytes() []byte { return c.CDB6[:] }
func (c *Inquiry) DataLength() uint32 { return uint32(c.CDB6[4]) }
func (c *Inquiry) Direction() Direction { return DirIn }
func (c *Inquiry) AllocationLength() int { return int(c.CDB6[4]) }

// TestUnitReady is the 6-byte TEST UNIT READY command. It has no data phase.
type TestUnitReady struct {
	CDB6
}

func NewTestUnitReady() *TestUnitReady {
	return &TestUnitReady{CDB6{SCSI_TEST_UNIT_READY}}
}

func (c *TestUnitReady) Bytes() []byte { return c.CDB6[:] }
func (c *TestUnitReady) DataLength() uint32 { return 0 }
func (c *TestUnitReady) Direction() Direction { return DirNone }

// ReadCapacity10 is the 10-byte READ CAPACITY command (SBC-3, 5.15).
type ReadCapacity10 struct {
	CDB10
}

func NewReadCapacity10() *ReadCapacity10 {
	return &ReadCapacity10{CDB10{SCSI_READ_CAPACITY_10}}
}

func (c *ReadCapacity10) Bytes() []byte { return c.CDB10[:] }
func (c *ReadCapacity10) DataLength() uint32 { return READ_CAP_10_REPLY_LEN }
func (c *ReadCapacity10) Direction() Direction { return DirIn }

// blockIO holds the fields shared by READ (10) and WRITE (10). The CDB carries the logical block
// address in bytes 2-5 and the transfer length in blocks in bytes 7-8, both big-endian.
type blockIO struct {
	CDB10
	length uint32
}

func (c *blockIO) init(opcode byte, lba uint32, blocks uint16, blockSize uint32) {
	c.CDB10 = CDB10{opcode}
	binary.BigEndian.PutUint32(c.CDB10[2:6], lba)
	binary.BigEndian.PutUint16(c.CDB10[7:9], blocks)
	c.length = uint32(blocks) * blockSize
}

func (c *blockIO) Bytes() []byte { return c.CDB10[:] }
func (c *blockIO) DataLength() uint32 { return c.length }

// LBA returns the logical block address encoded in the CDB.
func (c *blockIO) LBA() uint32 { return binary.BigEndian.Uint32(c.CDB10[2:6]) }

// Blocks returns the transfer length in blocks encoded in the CDB.
func (c *blockIO) Blocks() uint16 { return binary.BigEndian.Uint16(c.CDB10[7:9]) }

// Read10 is the READ (10) command. A single instance is meant to be re-initialized for every
// call with Init rather than allocated anew.
type Read10 struct {
	blockIO
}

// Init sets the starting block, block count and block size of the next read.
func (c *Read10) Init(lba uint32, blocks uint16, blockSize uint32) {
	c.init(SCSI_READ_10, lba, blocks, blockSize)
}

func (c *Read10) Direction() Direction { return DirIn }

// Write10 is the WRITE (10) command, reused across calls in the same way as Read10.
type Write10 struct {
	blockIO
}

func (c *Write10) Init(lba uint32, blocks uint16, blockSize uint32) {
	c.init(SCSI_WRITE_10, lba, blocks, blockSize)
}

func (c *Write10) Direction() Direction { return DirOut }

// Opcode returns the operation code of an encoded CDB, or 0xff for an empty one.
func Opcode(cdb []byte) byte {
	if len(cdb) == 0 {
		return 0xff
	}
	return cdb[0]
}

// OpcodeName returns a short name for the opcodes this package knows about.
func OpcodeName(op byte) string {
	switch op {
	case SCSI_TEST_UNIT_READY:
		return "TEST UNIT READY"
	case SCSI_INQUIRY:
		return "INQUIRY"
	case SCSI_READ_CAPACITY_10:
		return "READ CAPACITY (10)"
	case SCSI_READ_10:
		return "READ (10)"
	case SCSI_WRITE_10:
		return "WRITE (10)"
	default:
		return "UNKNOWN"
	}
}
