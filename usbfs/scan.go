// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

package usbfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	SYSFS_USB_PATH = "/sys/bus/usb/devices"
	DEVFS_USB_PATH = "/dev/bus/usb"

	CLASS_MASS_STORAGE = 0x08
	SUBCLASS_SCSI      = 0x06
	PROTOCOL_BULK_ONLY = 0x50

	ENDPOINT_DIR_IN = 0x80
)

// Interface describes a Bulk-Only mass storage interface found in sysfs.
type Interface struct {
	Path      string // usbfs device node
	Bus       uint8
	Address   uint8
	VendorID  uint16
	ProductID uint16

	Manufacturer string
	Product      string
	Serial       string

	Number      uint8
	SubClass    uint8
	EndpointIn  uint8
	EndpointOut uint8
}

func (i Interface) String() string {
	return fmt.Sprintf("%s %04x:%04x if %d ep %#02x/%#02x %s %s",
		i.Path, i.VendorID, i.ProductID, i.Number, i.EndpointIn, i.EndpointOut, i.Manufacturer, i.Product)
}

// Scan finds all Bulk-Only mass storage interfaces with both bulk endpoints.
func Scan() ([]Interface, error) {
	return scanRoot(SYSFS_USB_PATH)
}

func scanRoot(root string) ([]Interface, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var found []Interface

	for _, entry := range entries {
		name := entry.Name()

		// Skip root hubs (usb1) and interfaces (1-1:1.0)
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		devPath := filepath.Join(root, name)

		bus, err := readUint8(filepath.Join(devPath, "busnum"))
		if err != nil {
			continue
		}
		addr, err := readUint8(filepath.Join(devPath, "devnum"))
		if err != nil {
			continue
		}

		dev := Interface{
			Path:         filepath.Join(DEVFS_USB_PATH, fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", addr)),
			Bus:          bus,
			Address:      addr,
			Manufacturer: readString(filepath.Join(devPath, "manufacturer")),
			Product:      readString(filepath.Join(devPath, "product")),
			Serial:       readString(filepath.Join(devPath, "serial")),
		}

		dev.VendorID, _ = readHex16(filepath.Join(devPath, "idVendor"))
		dev.ProductID, _ = readHex16(filepath.Join(devPath, "idProduct"))

		ifaces, _ := filepath.Glob(filepath.Join(devPath, name+":*"))
		for _, ifPath := range ifaces {
			if iface, ok := parseInterface(ifPath, dev); ok {
				found = append(found, iface)
			}
		}
	}

	return found, nil
}

func parseInterface(path string, dev Interface) (Interface, bool) {
	class, err := readHex8(filepath.Join(path, "bInterfaceClass"))
	if err != nil || class != CLASS_MASS_STORAGE {
		return dev, false
	}

	if proto, err := readHex8(filepath.Join(path, "bInterfaceProtocol")); err != nil || proto != PROTOCOL_BULK_ONLY {
		return dev, false
	}

	if dev.Number, err = readHex8(filepath.Join(path, "bInterfaceNumber")); err != nil {
		return dev, false
	}

	dev.SubClass, _ = readHex8(filepath.Join(path, "bInterfaceSubClass"))

	eps, _ := filepath.Glob(filepath.Join(path, "ep_*"))
	for _, ep := range eps {
		if readString(filepath.Join(ep, "type")) != "Bulk" {
			continue
		}

		addr, err := readHex8(filepath.Join(ep, "bEndpointAddress"))
		if err != nil {
			continue
		}

		if addr&ENDPOINT_DIR_IN != 0 {
			if dev.EndpointIn == 0 {
				dev.EndpointIn = addr
			}
		} else if dev.EndpointOut == 0 {
			dev.EndpointOut = addr
		}
	}

	return dev, dev.EndpointIn != 0 && dev.EndpointOut != 0
}

func readString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readUint8(path string) (uint8, error) {
	v, err := strconv.ParseUint(readString(path), 10, 8)
	return uint8(v), err
}

func readHex8(path string) (uint8, error) {
	v, err := strconv.ParseUint(readString(path), 16, 8)
	return uint8(v), err
}

func readHex16(path string) (uint16, error) {
	v, err := strconv.ParseUint(readString(path), 16, 16)
	return uint16(v), err
}
