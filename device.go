// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package usbmsc is a pure Go USB mass storage (Bulk-Only Transport) block device driver.
//
package usbmsc

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/usbmsc/bot"
	"github.com/dswarbrick/usbmsc/scsi"
)

var (
	ErrNotInitialized    = errors.New("device not initialized")
	ErrUnsupportedDevice = errors.New("unsupported peripheral qualifier or device type")
	ErrBufferSize        = errors.New("buffer length is not a multiple of the block size")
	ErrOutOfRange        = errors.New("block range exceeds device capacity")
	ErrTransferTooLong   = errors.New("block count exceeds READ (10) / WRITE (10) limit")
)

// Device is a SCSI direct access block device reached through a Bulk-Only Transport. Calls are
// serialized; the device has a single command in flight at any time.
type Device struct {
	mu sync.Mutex

	engine *bot.Engine
	log    logrus.FieldLogger

	initialized bool
	inquiry     scsi.InquiryResponse
	capacity    scsi.ReadCapacityResponse

	// Scratch commands, re-initialized for every call
	read10  scsi.Read10
	write10 scsi.Write10
}

// NewDevice returns an uninitialized device driving t. Options are passed to the underlying
// command engine.
func NewDevice(t bot.Transport, opts ...bot.Option) *Device {
	d := &Device{log: logrus.StandardLogger()}

	d.engine = bot.NewEngine(t, append([]bot.Option{bot.WithLogger(d.log)}, opts...)...)

	return d
}

// SetLogger sets the logger used by the device and its command engine.
func (d *Device) SetLogger(l logrus.FieldLogger) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log = l
	bot.WithLogger(l)(d.engine)
}

// Init identifies the unit and reads its capacity. The unit must report a connected direct
// access block device. A unit that is not ready is logged but not treated as an error. Until Init
// succeeds, ReadBlocks and WriteBlocks fail with ErrNotInitialized.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.initialized = false
	d.capacity = scsi.ReadCapacityResponse{}

	buf := make([]byte, scsi.INQ_REPLY_LEN)
	if _, err := d.engine.Transfer(scsi.NewInquiry(scsi.INQ_REPLY_LEN), buf); err != nil {
		return errors.Wrap(err, "INQUIRY")
	}

	inq, err := scsi.DecodeInquiry(buf)
	if err != nil {
		return err
	}

	d.log.WithField("inquiry", inq.String()).Debug("inquiry response")

	if !inq.IsDirectAccess() {
		return errors.Wrapf(ErrUnsupportedDevice, "qualifier %#x, type %#x", inq.PeripheralQualifier, inq.PeripheralDeviceType)
	}

	if _, err := d.engine.Transfer(scsi.NewTestUnitReady(), nil); err != nil {
		d.log.WithError(err).Warn("unit not ready")
	}

	buf = buf[:scsi.READ_CAP_10_REPLY_LEN]
	if _, err := d.engine.Transfer(scsi.NewReadCapacity10(), buf); err != nil {
		return errors.Wrap(err, "READ CAPACITY")
	}

	rc, err := scsi.DecodeReadCapacity(buf)
	if err != nil {
		return err
	}

	if rc.BlockLength == 0 {
		return errors.Wrap(ErrUnsupportedDevice, "zero block length")
	}

	d.log.WithFields(logrus.Fields{
		"block_size": rc.BlockLength,
		"last_lba":   rc.LastLBA,
	}).Info("unit initialized")

	d.inquiry = inq
	d.capacity = rc
	d.initialized = true

	return nil
}

// BlockSize returns the block length reported at Init, or 0 before a successful Init.
func (d *Device) BlockSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.capacity.BlockLength)
}

func (d *Device) LastBlockAddress() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity.LastLBA
}

// BlockCount returns the number of addressable blocks, or 0 before a successful Init.
func (d *Device) BlockCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return 0
	}
	return d.capacity.BlockCount()
}

// Capacity returns the device size in bytes, or 0 before a successful Init.
func (d *Device) Capacity() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return 0
	}
	return d.capacity.Capacity()
}

// Inquiry returns the INQUIRY data captured at Init.
func (d *Device) Inquiry() scsi.InquiryResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inquiry
}

// ReadBlocks fills p with blocks starting at block lba. len(p) must be a multiple of the block
// size; the whole of p is read with a single READ (10).
func (d *Device) ReadBlocks(lba uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	blocks, err := d.checkRange(lba, len(p))
	if err != nil || blocks == 0 {
		return err
	}

	d.read10.Init(lba, blocks, d.capacity.BlockLength)

	if _, err := d.engine.Transfer(&d.read10, p); err != nil {
		return errors.Wrapf(err, "read %d blocks at LBA %d", blocks, lba)
	}

	return nil
}

// WriteBlocks writes p to the blocks starting at block lba, with the same contract as
// ReadBlocks.
func (d *Device) WriteBlocks(lba uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	blocks, err := d.checkRange(lba, len(p))
	if err != nil || blocks == 0 {
		return err
	}

	d.write10.Init(lba, blocks, d.capacity.BlockLength)

	if _, err := d.engine.Transfer(&d.write10, p); err != nil {
		return errors.Wrapf(err, "write %d blocks at LBA %d", blocks, lba)
	}

	return nil
}

// checkRange validates a request before any I/O. A zero length request yields zero blocks.
func (d *Device) checkRange(lba uint32, length int) (uint16, error) {
	if !d.initialized {
		return 0, ErrNotInitialized
	}

	bs := int(d.capacity.BlockLength)

	if length%bs != 0 {
		return 0, errors.Wrapf(ErrBufferSize, "%d bytes, block size %d", length, bs)
	}

	n := length / bs
	if n == 0 {
		return 0, nil
	}

	if n > scsi.MAX_TRANSFER_BLOCKS_10 {
		return 0, errors.Wrapf(ErrTransferTooLong, "%d blocks", n)
	}

	if uint64(lba)+uint64(n) > d.capacity.BlockCount() {
		return 0, errors.Wrapf(ErrOutOfRange, "LBA %d + %d blocks, last LBA %d", lba, n, d.capacity.LastLBA)
	}

	return uint16(n), nil
}
