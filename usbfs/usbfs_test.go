// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

package usbfs

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recorder struct {
	mu  sync.Mutex
	eps []uint8
	out [][]byte
}

func (r *recorder) xfer(ep uint8, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.eps = append(r.eps, ep)
	if ep&ENDPOINT_DIR_IN == 0 {
		r.out = append(r.out, append([]byte(nil), p...))
	}
	return len(p), nil
}

func newTestTransport(xfer func(uint8, []byte) (int, error)) *Transport {
	logger, _ := logtest.NewNullLogger()

	t := &Transport{fd: -1, epIn: 0x81, epOut: 0x02, log: logger, xfer: xfer}
	t.start()
	return t
}

func TestIoctlNumbers(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uintptr(0x8004550f), USBDEVFS_CLAIMINTERFACE)
	assert.Equal(uintptr(0x80045510), USBDEVFS_RELEASEINTERFACE)
	assert.Equal(uintptr(0x80045515), USBDEVFS_CLEAR_HALT)
	assert.Equal(uintptr(0x5516), USBDEVFS_DISCONNECT)
}

func TestOutTransfersKeepSubmissionOrder(t *testing.T) {
	r := &recorder{}
	tr := newTestTransport(r.xfer)

	var wg sync.WaitGroup
	buf := []byte{0}

	for i := 1; i <= 20; i++ {
		buf[0] = byte(i)
		wg.Add(1)
		tr.BulkOutAsync(buf, func(n int, err error) {
			assert.Equal(t, 1, n)
			assert.NoError(t, err)
			wg.Done()
		})

		if i%5 == 0 {
			n, err := tr.BulkOut([]byte{0xff})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		}
	}

	wg.Wait()
	require.NoError(t, tr.Close())

	var got []byte
	for _, p := range r.out {
		got = append(got, p[0])
	}

	// Async buffers were copied at submission, so reusing buf did not corrupt them
	assert.Equal(t, []byte{
		1, 2, 3, 4, 5, 0xff, 6, 7, 8, 9, 10, 0xff,
		11, 12, 13, 14, 15, 0xff, 16, 17, 18, 19, 20, 0xff,
	}, got)
}

func TestBulkInUsesInEndpoint(t *testing.T) {
	r := &recorder{}
	tr := newTestTransport(r.xfer)
	defer tr.Close()

	n, err := tr.BulkIn(make([]byte, 13))
	assert.NoError(t, err)
	assert.Equal(t, 13, n)
	assert.Equal(t, []uint8{0x81}, r.eps)
}

func TestOutErrorReported(t *testing.T) {
	tr := newTestTransport(func(uint8, []byte) (int, error) {
		return 0, unix.ETIMEDOUT
	})
	defer tr.Close()

	_, err := tr.BulkOut(make([]byte, 31))
	assert.True(t, errors.Is(err, unix.ETIMEDOUT))
}

func TestSubmitAfterClose(t *testing.T) {
	tr := newTestTransport((&recorder{}).xfer)
	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())

	_, err := tr.BulkOut([]byte{1})
	assert.True(t, errors.Is(err, ErrClosed))

	errs := make(chan error, 1)
	tr.BulkOutAsync([]byte{1}, func(_ int, err error) { errs <- err })

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("completion callback never ran")
	}
}
