// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

// Package usbfs implements bot.Transport over the Linux usbfs character devices
// (/dev/bus/usb/BBB/DDD), without libusb.
package usbfs

import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dswarbrick/usbmsc/ioctl"
)

const (
	DEFAULT_TIMEOUT = 5 * time.Second

	// Depth of the bulk-out request queue
	outQueueLen = 8
)

// Mirrors struct usbdevfs_bulktransfer
type bulkTransfer struct {
	ep      uint32
	len     uint32
	timeout uint32 // milliseconds
	data    uintptr
}

// Mirrors struct usbdevfs_ioctl
type usbIoctl struct {
	ifno      int32
	ioctlCode int32
	data      uintptr
}

var (
	USBDEVFS_BULK             = ioctl.Iowr('U', 2, unsafe.Sizeof(bulkTransfer{}))
	USBDEVFS_CLAIMINTERFACE   = ioctl.Ior('U', 15, unsafe.Sizeof(uint32(0)))
	USBDEVFS_RELEASEINTERFACE = ioctl.Ior('U', 16, unsafe.Sizeof(uint32(0)))
	USBDEVFS_IOCTL            = ioctl.Iowr('U', 18, unsafe.Sizeof(usbIoctl{}))
	USBDEVFS_CLEAR_HALT       = ioctl.Ior('U', 21, unsafe.Sizeof(uint32(0)))
	USBDEVFS_DISCONNECT       = ioctl.Io('U', 22)

	ErrClosed = errors.New("usbfs transport closed")
)

type outRequest struct {
	p    []byte
	done func(int, error)
}

// Transport moves bytes over one claimed interface. All bulk-out transfers, synchronous or not,
// pass through a single worker goroutine and therefore complete in submission order.
type Transport struct {
	fd      int
	iface   uint8
	epIn    uint8
	epOut   uint8
	timeout time.Duration
	detach  bool
	log     logrus.FieldLogger

	// Replaced in tests
	xfer func(ep uint8, p []byte) (int, error)

	mu     sync.Mutex
	closed bool
	out    chan outRequest
	wg     sync.WaitGroup
}

type Option func(*Transport)

// WithTimeout sets the per-transfer timeout. Zero waits indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.timeout = d
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// WithDetach controls whether a bound kernel driver (usually usb-storage) is disconnected from
// the interface before claiming it. Enabled by default.
func WithDetach(detach bool) Option {
	return func(t *Transport) {
		t.detach = detach
	}
}

// Open opens the usbfs device node at path and claims interface iface, whose bulk endpoints are
// epIn and epOut.
func Open(path string, iface, epIn, epOut uint8, opts ...Option) (*Transport, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	t := &Transport{
		fd:      fd,
		iface:   iface,
		epIn:    epIn,
		epOut:   epOut,
		timeout: DEFAULT_TIMEOUT,
		detach:  true,
		log:     logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.log = t.log.WithFields(logrus.Fields{"device": path, "interface": iface})

	if t.detach {
		if err := t.disconnect(); err == nil {
			t.log.Info("detached kernel driver")
		} else if err != unix.ENODATA {
			t.log.WithError(err).Warn("cannot detach kernel driver")
		}
	}

	if err := t.claim(USBDEVFS_CLAIMINTERFACE); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "claim interface %d", iface)
	}

	t.start()

	return t, nil
}

func (t *Transport) start() {
	if t.xfer == nil {
		t.xfer = t.bulk
	}

	t.out = make(chan outRequest, outQueueLen)
	t.wg.Add(1)
	go t.outWorker()
}

// Close drains queued bulk-out transfers, releases the interface and closes the device node.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.out)
	t.mu.Unlock()

	t.wg.Wait()

	if t.fd < 0 {
		return nil
	}

	if err := t.claim(USBDEVFS_RELEASEINTERFACE); err != nil {
		t.log.WithError(err).Warn("release interface failed")
	}

	return unix.Close(t.fd)
}

func (t *Transport) BulkIn(p []byte) (int, error) {
	return t.xfer(t.epIn, p)
}

func (t *Transport) BulkOut(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}

	ch := make(chan result, 1)
	t.submit(p, func(n int, err error) {
		ch <- result{n, err}
	})

	r := <-ch
	return r.n, r.err
}

// BulkOutAsync copies p and queues it behind any pending bulk-out transfers.
func (t *Transport) BulkOutAsync(p []byte, done func(n int, err error)) {
	t.submit(append([]byte(nil), p...), done)
}

func (t *Transport) submit(p []byte, done func(int, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		go done(0, ErrClosed)
		return
	}

	t.out <- outRequest{p: p, done: done}
}

func (t *Transport) outWorker() {
	defer t.wg.Done()

	for req := range t.out {
		n, err := t.xfer(t.epOut, req.p)
		req.done(n, err)
	}
}

// ClearHalt clears a stall condition on endpoint ep.
func (t *Transport) ClearHalt(ep uint8) error {
	e := uint32(ep)
	_, err := ioctl.Ioctl(uintptr(t.fd), USBDEVFS_CLEAR_HALT, uintptr(unsafe.Pointer(&e)))
	return errors.Wrapf(err, "clear halt on endpoint %#02x", ep)
}

func (t *Transport) bulk(ep uint8, p []byte) (int, error) {
	bt := bulkTransfer{
		ep:      uint32(ep),
		len:     uint32(len(p)),
		timeout: uint32(t.timeout / time.Millisecond),
	}
	if len(p) > 0 {
		bt.data = uintptr(unsafe.Pointer(&p[0]))
	}

	n, err := ioctl.Ioctl(uintptr(t.fd), USBDEVFS_BULK, uintptr(unsafe.Pointer(&bt)))
	runtime.KeepAlive(p)

	if err != nil {
		if err == unix.EPIPE {
			// Stalled endpoint; the next transfer on it would fail the same way
			if cerr := t.ClearHalt(ep); cerr != nil {
				t.log.WithError(cerr).Warn("cannot clear stall")
			}
		}
		return 0, errors.Wrapf(err, "bulk transfer on endpoint %#02x", ep)
	}

	return n, nil
}

func (t *Transport) claim(req uintptr) error {
	iface := uint32(t.iface)
	_, err := ioctl.Ioctl(uintptr(t.fd), req, uintptr(unsafe.Pointer(&iface)))
	return err
}

func (t *Transport) disconnect() error {
	cmd := usbIoctl{ifno: int32(t.iface), ioctlCode: int32(USBDEVFS_DISCONNECT)}
	_, err := ioctl.Ioctl(uintptr(t.fd), USBDEVFS_IOCTL, uintptr(unsafe.Pointer(&cmd)))
	return err
}
