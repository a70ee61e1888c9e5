// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Bulk-Only Transport command and status wrappers.

package bot

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// "USBC", little-endian
	CBW_SIGNATURE = 0x43425355
	CBW_LEN       = 31

	CBW_FLAG_DATA_OUT = 0x00
	CBW_FLAG_DATA_IN  = 0x80

	// Maximum CDB length carried by a CBW
	CBW_MAX_CB_LEN = 16

	// "USBS", little-endian
	CSW_SIGNATURE = 0x53425355
	CSW_LEN       = 13
)

// CSW status values (USB MSC BOT 1.0, 5.2)
const (
	CSW_STATUS_PASSED      = 0x00
	CSW_STATUS_FAILED      = 0x01
	CSW_STATUS_PHASE_ERROR = 0x02
)

var (
	ErrShortCSW     = errors.New("short command status wrapper")
	ErrShortCBW     = errors.New("short command block wrapper")
	ErrBadSignature = errors.New("invalid wrapper signature")
	ErrCBLength     = errors.New("invalid command block length")
)

// CommandBlockWrapper is the 31-byte envelope sent to the device ahead of every command.
type CommandBlockWrapper struct {
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	CBLength           uint8
	CB                 [CBW_MAX_CB_LEN]byte
}

// NewCBW builds a wrapper around cdb for logical unit 0.
func NewCBW(tag uint32, dataLen uint32, dataIn bool, cdb []byte) (CommandBlockWrapper, error) {
	cbw := CommandBlockWrapper{Tag: tag, DataTransferLength: dataLen}

	if len(cdb) == 0 || len(cdb) > CBW_MAX_CB_LEN {
		return cbw, errors.Wrapf(ErrCBLength, "%d bytes", len(cdb))
	}

	if dataIn {
		cbw.Flags = CBW_FLAG_DATA_IN
	}

	cbw.CBLength = uint8(len(cdb))
	copy(cbw.CB[:], cdb)

	return cbw, nil
}

// DataIn reports whether the data phase, if any, is device to host.
func (c *CommandBlockWrapper) DataIn() bool {
	return c.Flags&CBW_FLAG_DATA_IN != 0
}

// Command returns the CDB carried by the wrapper.
func (c *CommandBlockWrapper) Command() []byte {
	return c.CB[:c.CBLength]
}

// MarshalTo encodes the wrapper into buf, which must hold at least CBW_LEN bytes. Unused CDB
// bytes are zero filled. Returns the number of bytes written, or 0 if buf is too small.
func (c *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBW_LEN {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], CBW_SIGNATURE)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.DataTransferLength)
	buf[12] = c.Flags
	buf[13] = c.LUN & 0x0f
	buf[14] = c.CBLength & 0x1f
	copy(buf[15:CBW_LEN], c.CB[:])

	return CBW_LEN
}

// ParseCBW decodes a wrapper as received by a device.
func ParseCBW(buf []byte) (CommandBlockWrapper, error) {
	var c CommandBlockWrapper

	if len(buf) < CBW_LEN {
		return c, errors.Wrapf(ErrShortCBW, "%d bytes", len(buf))
	}

	if sig := binary.LittleEndian.Uint32(buf[0:4]); sig != CBW_SIGNATURE {
		return c, errors.Wrapf(ErrBadSignature, "CBW signature %#08x", sig)
	}

	c.Tag = binary.LittleEndian.Uint32(buf[4:8])
	c.DataTransferLength = binary.LittleEndian.Uint32(buf[8:12])
	c.Flags = buf[12]
	c.LUN = buf[13] & 0x0f
	c.CBLength = buf[14] & 0x1f
	copy(c.CB[:], buf[15:CBW_LEN])

	if c.CBLength == 0 || c.CBLength > CBW_MAX_CB_LEN {
		return c, errors.Wrapf(ErrCBLength, "%d bytes", c.CBLength)
	}

	return c, nil
}

// CommandStatusWrapper is the 13-byte status returned by the device after the data phase.
type CommandStatusWrapper struct {
	Tag     uint32
	Residue uint32
	Status  uint8
}

// ParseCSW decodes a status wrapper. It fails on a short buffer or a wrong signature; the
// status and tag are left for the caller to judge.
func ParseCSW(buf []byte) (CommandStatusWrapper, error) {
	var c CommandStatusWrapper

	if len(buf) < CSW_LEN {
		return c, errors.Wrapf(ErrShortCSW, "%d bytes", len(buf))
	}

	if sig := binary.LittleEndian.Uint32(buf[0:4]); sig != CSW_SIGNATURE {
		return c, errors.Wrapf(ErrBadSignature, "CSW signature %#08x", sig)
	}

	c.Tag = binary.LittleEndian.Uint32(buf[4:8])
	c.Residue = binary.LittleEndian.Uint32(buf[8:12])
	c.Status = buf[12]

	return c, nil
}

// MarshalTo encodes the status wrapper into buf. Returns the number of bytes written, or 0 if
// buf is too small.
func (c *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSW_LEN {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], CSW_SIGNATURE)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.Residue)
	buf[12] = c.Status

	return CSW_LEN
}

// StatusString names a CSW status byte.
func StatusString(status uint8) string {
	switch status {
	case CSW_STATUS_PASSED:
		return "passed"
	case CSW_STATUS_FAILED:
		return "failed"
	case CSW_STATUS_PHASE_ERROR:
		return "phase error"
	default:
		return "reserved"
	}
}
