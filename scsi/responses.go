// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI response parsing.

package scsi

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/dswarbrick/usbmsc/utils"
)

const (
	// Peripheral device type of a direct access block device (SBC)
	DEVICE_TYPE_DIRECT_ACCESS = 0x00

	// Peripheral qualifier reported when a device of the indicated type is connected
	PQ_CONNECTED = 0x00
)

// ErrShortResponse is returned when a response buffer is smaller than its fixed layout.
var ErrShortResponse = errors.New("short SCSI response")

// InquiryResponse is the standard INQUIRY data (SPC-4, 6.6.2).
type InquiryResponse struct {
	PeripheralQualifier  uint8
	PeripheralDeviceType uint8
	Removable            bool
	Version              uint8
	ResponseDataFormat   uint8
	AdditionalLength     uint8
	VendorIdent          [8]byte
	ProductIdent         [16]byte
	ProductRev           [4]byte
}

// DecodeInquiry parses standard INQUIRY data. Field values are not validated.
func DecodeInquiry(buf []byte) (InquiryResponse, error) {
	var r InquiryResponse

	if len(buf) < INQ_REPLY_LEN {
		return r, errors.Wrapf(ErrShortResponse, "INQUIRY: %d bytes", len(buf))
	}

	r.PeripheralQualifier = buf[0] >> 5
	r.PeripheralDeviceType = buf[0] & 0x1f
	r.Removable = buf[1]&0x80 != 0
	r.Version = buf[2]
	r.ResponseDataFormat = buf[3] & 0x0f
	r.AdditionalLength = buf[4]
	copy(r.VendorIdent[:], buf[8:16])
	copy(r.ProductIdent[:], buf[16:32])
	copy(r.ProductRev[:], buf[32:36])

	return r, nil
}

// IsDirectAccess reports whether the response describes a connected direct access block device.
func (r InquiryResponse) IsDirectAccess() bool {
	return r.PeripheralQualifier == PQ_CONNECTED && r.PeripheralDeviceType == DEVICE_TYPE_DIRECT_ACCESS
}

func (r InquiryResponse) Vendor() string   { return utils.TrimASCII(r.VendorIdent[:]) }
func (r InquiryResponse) Product() string  { return utils.TrimASCII(r.ProductIdent[:]) }
func (r InquiryResponse) Revision() string { return utils.TrimASCII(r.ProductRev[:]) }

func (r InquiryResponse) String() string {
	return fmt.Sprintf("%s %s %s (PQ %#x, type %#x, removable %v, version %#x)",
		r.Vendor(), r.Product(), r.Revision(),
		r.PeripheralQualifier, r.PeripheralDeviceType, r.Removable, r.Version)
}

// Encode writes the response in standard INQUIRY layout. Used by device emulation.
func (r InquiryResponse) Encode(buf []byte) int {
	if len(buf) < INQ_REPLY_LEN {
		return 0
	}

	for i := range buf[:INQ_REPLY_LEN] {
		buf[i] = 0
	}

	buf[0] = r.PeripheralQualifier<<5 | r.PeripheralDeviceType&0x1f
	if r.Removable {
		buf[1] = 0x80
	}
	buf[2] = r.Version
	buf[3] = r.ResponseDataFormat & 0x0f
	buf[4] = r.AdditionalLength
	copy(buf[8:16], r.VendorIdent[:])
	copy(buf[16:32], r.ProductIdent[:])
	copy(buf[32:36], r.ProductRev[:])

	return INQ_REPLY_LEN
}

// ReadCapacityResponse is the READ CAPACITY (10) parameter data (SBC-3, 5.15.2).
type ReadCapacityResponse struct {
	LastLBA     uint32
	BlockLength uint32
}

// DecodeReadCapacity parses READ CAPACITY (10) parameter data. Both fields are big-endian.
func DecodeReadCapacity(buf []byte) (ReadCapacityResponse, error) {
	if len(buf) < READ_CAP_10_REPLY_LEN {
		return ReadCapacityResponse{}, errors.Wrapf(ErrShortResponse, "READ CAPACITY: %d bytes", len(buf))
	}

	return ReadCapacityResponse{
		LastLBA:     binary.BigEndian.Uint32(buf[0:4]),
		BlockLength: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// BlockCount returns the number of addressable blocks.
func (r ReadCapacityResponse) BlockCount() uint64 {
	return uint64(r.LastLBA) + 1
}

// Capacity returns the device capacity in bytes.
func (r ReadCapacityResponse) Capacity() uint64 {
	return r.BlockCount() * uint64(r.BlockLength)
}

func (r ReadCapacityResponse) Encode(buf []byte) int {
	if len(buf) < READ_CAP_10_REPLY_LEN {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)

	return READ_CAP_10_REPLY_LEN
}
