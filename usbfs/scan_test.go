// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

package usbfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAttrs(t *testing.T, dir string, attrs map[string]string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0755))
	for name, val := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0644))
	}
}

func TestScanRoot(t *testing.T) {
	assert := assert.New(t)
	root := t.TempDir()

	// Root hub, ignored
	writeAttrs(t, filepath.Join(root, "usb1"), map[string]string{"busnum": "1", "devnum": "1"})

	// Flash drive with a BOT interface
	writeAttrs(t, filepath.Join(root, "1-2"), map[string]string{
		"busnum": "1", "devnum": "7", "idVendor": "0781", "idProduct": "5567",
		"manufacturer": "SanDisk", "product": "Cruzer Blade", "serial": "4C530001",
	})
	writeAttrs(t, filepath.Join(root, "1-2", "1-2:1.0"), map[string]string{
		"bInterfaceNumber": "00", "bInterfaceClass": "08", "bInterfaceSubClass": "06", "bInterfaceProtocol": "50",
	})
	writeAttrs(t, filepath.Join(root, "1-2", "1-2:1.0", "ep_81"), map[string]string{"bEndpointAddress": "81", "type": "Bulk"})
	writeAttrs(t, filepath.Join(root, "1-2", "1-2:1.0", "ep_02"), map[string]string{"bEndpointAddress": "02", "type": "Bulk"})

	// UAS interface and a keyboard, both ignored
	writeAttrs(t, filepath.Join(root, "2-1"), map[string]string{"busnum": "2", "devnum": "3"})
	writeAttrs(t, filepath.Join(root, "2-1", "2-1:1.0"), map[string]string{
		"bInterfaceNumber": "00", "bInterfaceClass": "08", "bInterfaceProtocol": "62",
	})
	writeAttrs(t, filepath.Join(root, "2-1", "2-1:1.1"), map[string]string{
		"bInterfaceNumber": "01", "bInterfaceClass": "03", "bInterfaceProtocol": "01",
	})

	found, err := scanRoot(root)
	require.NoError(t, err)
	require.Len(t, found, 1)

	dev := found[0]
	assert.Equal("/dev/bus/usb/001/007", dev.Path)
	assert.Equal(uint16(0x0781), dev.VendorID)
	assert.Equal(uint16(0x5567), dev.ProductID)
	assert.Equal("Cruzer Blade", dev.Product)
	assert.Equal(uint8(0), dev.Number)
	assert.Equal(uint8(SUBCLASS_SCSI), dev.SubClass)
	assert.Equal(uint8(0x81), dev.EndpointIn)
	assert.Equal(uint8(0x02), dev.EndpointOut)
}

func TestScanRequiresBothEndpoints(t *testing.T) {
	root := t.TempDir()

	writeAttrs(t, filepath.Join(root, "3-1"), map[string]string{"busnum": "3", "devnum": "2"})
	writeAttrs(t, filepath.Join(root, "3-1", "3-1:1.0"), map[string]string{
		"bInterfaceNumber": "00", "bInterfaceClass": "08", "bInterfaceProtocol": "50",
	})
	writeAttrs(t, filepath.Join(root, "3-1", "3-1:1.0", "ep_81"), map[string]string{"bEndpointAddress": "81", "type": "Bulk"})
	writeAttrs(t, filepath.Join(root, "3-1", "3-1:1.0", "ep_83"), map[string]string{"bEndpointAddress": "83", "type": "Interrupt"})

	found, err := scanRoot(root)
	assert.NoError(t, err)
	assert.Empty(t, found)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := scanRoot(filepath.Join(t.TempDir(), "nonexistent"))
	assert.Error(t, err)
}
