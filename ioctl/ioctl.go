/*
 * Pure Go USB mass storage library
 * Copyright 2017 Daniel Swarbrick
 *
 * Implementation of Linux kernel ioctl macros (<uapi/asm-generic/ioctl.h>)
 * See https://www.kernel.org/doc/Documentation/ioctl/ioctl-number.txt
 */

package ioctl

import "golang.org/x/sys/unix"

const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNrMask   = 1<<iocNrBits - 1
	iocTypeMask = 1<<iocTypeBits - 1
	iocSizeMask = 1<<iocSizeBits - 1
	iocDirMask  = 1<<iocDirBits - 1

	IOC_NONE  = 0
	IOC_WRITE = 1
	IOC_READ  = 2
)

func ioc(dir, t, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (t << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

// Io used for a simple ioctl that sends nothing but the type and number, and receives back nothing
// but an (integer) retval.
func Io(t, nr uintptr) uintptr {
	return ioc(IOC_NONE, t, nr, 0)
}

// Ior used for an ioctl that reads data from the device driver. The driver will be allowed to
// return sizeof(data_type) bytes to the user.
func Ior(t, nr, size uintptr) uintptr {
	return ioc(IOC_READ, t, nr, size)
}

// Iow used for an ioctl that writes data to the device driver.
func Iow(t, nr, size uintptr) uintptr {
	return ioc(IOC_WRITE, t, nr, size)
}

// Iowr a combination of Ior and Iow. That is, data is both written to the driver and then
// (possibly modified) read back from the driver to the client.
func Iowr(t, nr, size uintptr) uintptr {
	return ioc(IOC_READ|IOC_WRITE, t, nr, size)
}

// Decode splits an encoded request into its direction, type, number and argument size.
func Decode(req uintptr) (dir, t, nr, size uintptr) {
	dir = (req >> iocDirShift) & iocDirMask
	t = (req >> iocTypeShift) & iocTypeMask
	nr = (req >> iocNrShift) & iocNrMask
	size = (req >> iocSizeShift) & iocSizeMask
	return
}

// Ioctl executes an ioctl command on the specified file descriptor and returns its (non-negative)
// result.
func Ioctl(fd, cmd, ptr uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, cmd, ptr)
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}
