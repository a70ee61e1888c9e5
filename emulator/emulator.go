// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package emulator implements an in-memory USB mass storage device speaking Bulk-Only Transport.
// It satisfies bot.Transport, so a host-side driver can be exercised without hardware.
package emulator

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/dswarbrick/usbmsc/bot"
	"github.com/dswarbrick/usbmsc/scsi"
)

// ErrIdle is returned by BulkIn when the device has nothing queued for the host. A real device
// would NAK until the host gave up; failing keeps a misbehaving test from hanging.
var ErrIdle = errors.New("no data queued on bulk-in endpoint")

// Faults injects misbehaviour into the status phase and the data path.
type Faults struct {
	NotReady       bool          // TEST UNIT READY reports Failed
	TagMismatch    bool          // CSW carries the CBW tag + 1
	BadSignature   bool          // CSW signature is corrupted
	PhaseError     bool          // every CSW reports a phase error
	FailOpcodes    map[byte]bool // commands answered with status Failed
	ShortCSW       bool          // CSW truncated to 12 bytes
	DropCBW        bool          // asynchronous CBW writes report 0 bytes written
	ExtraDataBytes int           // bytes appended to every IN data phase
}

// Stats counts calls made by the host.
type Stats struct {
	BulkIn       int
	BulkOut      int
	BulkOutAsync int
}

type Device struct {
	mu sync.Mutex

	blockSize uint32
	storage   []byte
	inquiry   scsi.InquiryResponse

	// ChunkSize caps the bytes moved by one data phase transfer. Zero means unlimited.
	ChunkSize int
	Faults    Faults

	commands [][]byte
	stats    Stats

	dataIn  []byte
	csw     []byte
	write   *pendingWrite
	lastErr error
}

type pendingWrite struct {
	cbw  bot.CommandBlockWrapper
	lba  uint32
	buf  []byte
	done int
}

// New returns a direct access device with blockCount blocks of blockSize bytes.
func New(blockCount, blockSize uint32) *Device {
	d := &Device{
		blockSize: blockSize,
		storage:   make([]byte, uint64(blockCount)*uint64(blockSize)),
		inquiry: scsi.InquiryResponse{
			PeripheralDeviceType: scsi.DEVICE_TYPE_DIRECT_ACCESS,
			Removable:            true,
			Version:              0x06,
			ResponseDataFormat:   0x02,
			AdditionalLength:     scsi.INQ_REPLY_LEN - 5,
		},
	}

	d.SetIdent("usbmsc", "Emulated Disk", "1.00")

	return d
}

// SetIdent sets the vendor, product and revision strings reported by INQUIRY.
func (d *Device) SetIdent(vendor, product, revision string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.inquiry.VendorIdent[:], pad(vendor, 8))
	copy(d.inquiry.ProductIdent[:], pad(product, 16))
	copy(d.inquiry.ProductRev[:], pad(revision, 4))
}

// SetPeripheral sets the peripheral qualifier and device type reported by INQUIRY.
func (d *Device) SetPeripheral(qualifier, deviceType uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inquiry.PeripheralQualifier = qualifier
	d.inquiry.PeripheralDeviceType = deviceType
}

// Storage returns the backing store. Callers must not use it while commands are in flight.
func (d *Device) Storage() []byte {
	return d.storage
}

// Commands returns copies of every CDB received, in order.
func (d *Device) Commands() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([][]byte, len(d.commands))
	copy(out, d.commands)
	return out
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// LastError returns the last CBW the device could not parse, if any.
func (d *Device) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Device) BulkIn(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.BulkIn++

	if len(d.dataIn) > 0 {
		n := len(p)
		if d.ChunkSize > 0 && n > d.ChunkSize {
			n = d.ChunkSize
		}
		n = copy(p[:n], d.dataIn)
		d.dataIn = d.dataIn[n:]
		return n, nil
	}

	if d.csw != nil {
		n := copy(p, d.csw)
		d.csw = nil
		return n, nil
	}

	return 0, ErrIdle
}

func (d *Device) BulkOut(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.BulkOut++

	return d.out(p)
}

// BulkOutAsync processes p before returning, so later transfers observe its effects, and reports
// completion from a new goroutine.
func (d *Device) BulkOutAsync(p []byte, done func(n int, err error)) {
	d.mu.Lock()
	d.stats.BulkOutAsync++
	n, err := d.out(p)
	if d.Faults.DropCBW {
		n = 0
	}
	d.mu.Unlock()

	go done(n, err)
}

func (d *Device) out(p []byte) (int, error) {
	if w := d.write; w != nil {
		n := len(p)
		if rem := len(w.buf) - w.done; n > rem {
			n = rem
		}
		if d.ChunkSize > 0 && n > d.ChunkSize {
			n = d.ChunkSize
		}

		copy(w.buf[w.done:], p[:n])
		w.done += n

		if w.done == len(w.buf) {
			d.write = nil
			d.finishWrite(w)
		}

		return n, nil
	}

	cbw, err := bot.ParseCBW(p)
	if err != nil {
		d.lastErr = err
		return len(p), nil
	}

	d.command(cbw)

	return bot.CBW_LEN, nil
}

func (d *Device) command(cbw bot.CommandBlockWrapper) {
	cdb := append([]byte(nil), cbw.Command()...)
	d.commands = append(d.commands, cdb)

	op := cdb[0]
	length := int(cbw.DataTransferLength)
	status := uint8(bot.CSW_STATUS_PASSED)

	var data []byte

	switch op {
	case scsi.SCSI_INQUIRY:
		data = make([]byte, scsi.INQ_REPLY_LEN)
		d.inquiry.Encode(data)
		if alloc := int(cdb[4]); alloc < len(data) {
			data = data[:alloc]
		}
	case scsi.SCSI_TEST_UNIT_READY:
		if d.Faults.NotReady {
			status = bot.CSW_STATUS_FAILED
		}
	case scsi.SCSI_READ_CAPACITY_10:
		data = make([]byte, scsi.READ_CAP_10_REPLY_LEN)
		scsi.ReadCapacityResponse{
			LastLBA:     uint32(uint64(len(d.storage))/uint64(d.blockSize)) - 1,
			BlockLength: d.blockSize,
		}.Encode(data)
	case scsi.SCSI_READ_10:
		lba := binary.BigEndian.Uint32(cdb[2:6])
		blocks := binary.BigEndian.Uint16(cdb[7:9])
		if off, end, ok := d.span(lba, blocks); ok && end-off == uint64(length) {
			data = append([]byte(nil), d.storage[off:end]...)
		} else {
			status = bot.CSW_STATUS_FAILED
		}
	case scsi.SCSI_WRITE_10:
		if length > 0 && !cbw.DataIn() {
			d.write = &pendingWrite{
				cbw: cbw,
				lba: binary.BigEndian.Uint32(cdb[2:6]),
				buf: make([]byte, length),
			}
			// CSW follows the data phase
			return
		}
		status = bot.CSW_STATUS_FAILED
	default:
		status = bot.CSW_STATUS_FAILED
	}

	if d.Faults.FailOpcodes[op] {
		status = bot.CSW_STATUS_FAILED
	}

	if cbw.DataIn() && length > 0 {
		// The host always receives exactly the announced length; short responses are padded.
		residue := length - len(data)
		if residue < 0 {
			residue = 0
		}
		padded := make([]byte, length+d.Faults.ExtraDataBytes)
		copy(padded, data)
		d.dataIn = padded
		d.queueStatus(cbw.Tag, uint32(residue), status)
		return
	}

	d.queueStatus(cbw.Tag, 0, status)
}

func (d *Device) finishWrite(w *pendingWrite) {
	status := uint8(bot.CSW_STATUS_PASSED)
	blocks := binary.BigEndian.Uint16(w.cbw.CB[7:9])

	if off, end, ok := d.span(w.lba, blocks); ok && end-off == uint64(len(w.buf)) && !d.Faults.FailOpcodes[scsi.SCSI_WRITE_10] {
		copy(d.storage[off:end], w.buf)
	} else {
		status = bot.CSW_STATUS_FAILED
	}

	d.queueStatus(w.cbw.Tag, 0, status)
}

func (d *Device) span(lba uint32, blocks uint16) (uint64, uint64, bool) {
	off := uint64(lba) * uint64(d.blockSize)
	end := off + uint64(blocks)*uint64(d.blockSize)
	return off, end, end <= uint64(len(d.storage))
}

func (d *Device) queueStatus(tag, residue uint32, status uint8) {
	if d.Faults.TagMismatch {
		tag++
	}
	if d.Faults.PhaseError {
		status = bot.CSW_STATUS_PHASE_ERROR
	}

	csw := bot.CommandStatusWrapper{Tag: tag, Residue: residue, Status: status}
	buf := make([]byte, bot.CSW_LEN)
	csw.MarshalTo(buf)

	if d.Faults.BadSignature {
		buf[0] ^= 0xff
	}
	if d.Faults.ShortCSW {
		buf = buf[:bot.CSW_LEN-1]
	}

	d.csw = buf
}

func pad(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		if i < len(s) {
			b[i] = s[i]
		} else {
			b[i] = ' '
		}
	}
	return b
}
