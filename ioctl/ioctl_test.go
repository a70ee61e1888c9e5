// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ioctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {
	assert := assert.New(t)

	// Values taken from <linux/usbdevice_fs.h> on x86_64
	assert.Equal(uintptr(0xc0185502), Iowr('U', 2, 24)) // USBDEVFS_BULK
	assert.Equal(uintptr(0x8004550f), Ior('U', 15, 4))  // USBDEVFS_CLAIMINTERFACE
	assert.Equal(uintptr(0x80045510), Ior('U', 16, 4))  // USBDEVFS_RELEASEINTERFACE
	assert.Equal(uintptr(0x80045515), Ior('U', 21, 4))  // USBDEVFS_CLEAR_HALT
	assert.Equal(uintptr(0x5514), Io('U', 20))          // USBDEVFS_RESET
	assert.Equal(uintptr(0x40044e00), Iow('N', 0, 4))
}

func TestDecode(t *testing.T) {
	assert := assert.New(t)

	dir, typ, nr, size := Decode(Iowr('U', 2, 24))
	assert.Equal(uintptr(IOC_READ|IOC_WRITE), dir)
	assert.Equal(uintptr('U'), typ)
	assert.Equal(uintptr(2), nr)
	assert.Equal(uintptr(24), size)
}
