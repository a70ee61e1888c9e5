// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

// USB mass storage inspection tool.
//
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dswarbrick/usbmsc"
	"github.com/dswarbrick/usbmsc/bot"
	"github.com/dswarbrick/usbmsc/config"
	"github.com/dswarbrick/usbmsc/emulator"
	"github.com/dswarbrick/usbmsc/partition"
	"github.com/dswarbrick/usbmsc/usbfs"
	"github.com/dswarbrick/usbmsc/utils"
)

const (
	_LINUX_CAPABILITY_VERSION_3 = 0x20080522

	CAP_DAC_OVERRIDE = 1 << 1
	CAP_SYS_ADMIN    = 1 << 21

	emulatedBlocks    = 2048
	emulatedBlockSize = 512
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

type capsV3 struct {
	hdr  capHeader
	data [2]capData
}

// checkCaps invokes the capget syscall to check for necessary capabilities. usbfs device nodes are
// normally root-owned, so without CAP_DAC_OVERRIDE (or a udev rule) opening them will fail.
func checkCaps() {
	caps := new(capsV3)
	caps.hdr.version = _LINUX_CAPABILITY_VERSION_3

	// Use RawSyscall since we do not expect it to block
	_, _, e1 := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&caps.hdr)), uintptr(unsafe.Pointer(&caps.data)), 0)
	if e1 != 0 {
		logrus.WithError(e1).Warn("capget() failed")
		return
	}

	if (caps.data[0].effective&CAP_DAC_OVERRIDE == 0) && (caps.data[0].effective&CAP_SYS_ADMIN == 0) {
		logrus.Warn("Neither cap_dac_override nor cap_sys_admin are in effect. Device access may fail.")
	}
}

func scanDevices() error {
	found, err := usbfs.Scan()
	if err != nil {
		return err
	}

	for _, iface := range found {
		fmt.Println(iface)
	}

	return nil
}

// openTransport opens the usbfs node at path, taking interface and endpoints from sysfs unless
// the matching profile overrides them.
func openTransport(path string, db *config.Database) (bot.Transport, func() error, []bot.Option, error) {
	found, err := usbfs.Scan()
	if err != nil {
		return nil, nil, nil, err
	}

	for _, iface := range found {
		if iface.Path != path {
			continue
		}

		p := db.LookupDevice(iface.VendorID, iface.ProductID)
		if p.WarningMsg != "" {
			logrus.WithField("profile", p.Name).Warn(p.WarningMsg)
		}

		if p.Interface != 0 {
			iface.Number = p.Interface
		}
		if p.EndpointIn != 0 {
			iface.EndpointIn = p.EndpointIn
		}
		if p.EndpointOut != 0 {
			iface.EndpointOut = p.EndpointOut
		}

		opts, err := p.EngineOptions()
		if err != nil {
			return nil, nil, nil, err
		}

		var tOpts []usbfs.Option
		if p.Timeout != 0 {
			tOpts = append(tOpts, usbfs.WithTimeout(p.Timeout))
		}

		t, err := usbfs.Open(path, iface.Number, iface.EndpointIn, iface.EndpointOut, tOpts...)
		if err != nil {
			return nil, nil, nil, err
		}

		return t, t.Close, opts, nil
	}

	return nil, nil, nil, errors.Errorf("%s: no Bulk-Only mass storage interface found", path)
}

func printDevice(d *usbmsc.Device) {
	inq := d.Inquiry()

	fmt.Printf("Vendor:     %s\n", inq.Vendor())
	fmt.Printf("Product:    %s\n", inq.Product())
	fmt.Printf("Revision:   %s\n", inq.Revision())
	fmt.Printf("Removable:  %v\n", inq.Removable)
	fmt.Printf("Block size: %d bytes\n", d.BlockSize())
	fmt.Printf("Last LBA:   %d\n", d.LastBlockAddress())
	fmt.Printf("Capacity:   %d bytes [%s]\n\n", d.Capacity(), utils.FormatBytes(d.Capacity()))
}

func dumpBlocks(d *usbmsc.Device, lba uint32, count int) error {
	buf := make([]byte, count*d.BlockSize())

	if err := d.ReadBlocks(lba, buf); err != nil {
		return err
	}

	return utils.HexDump(os.Stdout, uint64(lba)*uint64(d.BlockSize()), buf)
}

func printPartitions(d *usbmsc.Device) error {
	tbl, err := partition.Read(d)
	if err != nil {
		return err
	}

	fmt.Printf("Disk signature: %#08x\n", tbl.DiskSignature)
	if tbl.Protective() {
		fmt.Println("Protective MBR, disk uses GPT")
	}

	for _, p := range tbl.Partitions {
		size := uint64(p.Sectors) * uint64(d.BlockSize())
		fmt.Printf("%s [%s]\n", p, utils.FormatBytes(size))
	}

	return nil
}

func main() {
	fmt.Println("Go USB mass storage inspection tool")
	fmt.Printf("Built with %s on %s (%s)\n\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	device := flag.String("device", "", "usbfs device node, e.g., /dev/bus/usb/001/007")
	dbFile := flag.String("config", "devices.yaml", "YAML device profile database")
	emulate := flag.Bool("emulate", false, "Use an in-memory emulated device instead of real hardware")
	scan := flag.Bool("scan", false, "Scan for USB mass storage (Bulk-Only) interfaces")
	readLBA := flag.Int64("read", -1, "Hex dump blocks starting at this LBA")
	count := flag.Int("count", 1, "Number of blocks to dump with -read")
	parts := flag.Bool("partitions", false, "Print the MBR partition table")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *scan {
		if err := scanDevices(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		return
	}

	var (
		t       bot.Transport
		closeFn = func() error { return nil }
		opts    []bot.Option
	)

	if *emulate {
		t = emulator.New(emulatedBlocks, emulatedBlockSize)
	} else if *device != "" {
		checkCaps()

		db, err := config.Open(*dbFile)
		if err != nil {
			logrus.WithError(err).Warn("using built-in defaults")
		}

		t, closeFn, opts, err = openTransport(*device, &db)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	} else {
		flag.PrintDefaults()
		os.Exit(1)
	}

	err := run(usbmsc.NewDevice(t, opts...), *readLBA, *count, *parts)

	if cerr := closeFn(); cerr != nil {
		logrus.WithError(cerr).Warn("close failed")
	}

	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(d *usbmsc.Device, readLBA int64, count int, parts bool) error {
	if err := d.Init(); err != nil {
		return err
	}

	printDevice(d)

	if readLBA >= 0 {
		if readLBA > int64(d.LastBlockAddress()) {
			return errors.Errorf("LBA %d beyond last LBA %d", readLBA, d.LastBlockAddress())
		}
		if err := dumpBlocks(d, uint32(readLBA), count); err != nil {
			return err
		}
	}

	if parts {
		return printPartitions(d)
	}

	return nil
}
