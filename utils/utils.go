// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Miscellaneous utility functions

package utils

import (
	"bytes"
	"fmt"
	"io"
)

// FormatBytes formats a uint64 byte quantity using human-readble units, e.g. kilobyte, megabyte.
func FormatBytes(v uint64) string {
	var i int

	suffixes := [...]string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	d := uint64(1)

	for i = 0; i < len(suffixes)-1; i++ {
		if v >= d*1000 {
			d *= 1000
		} else {
			break
		}
	}

	if i == 0 {
		return fmt.Sprintf("%d %s", v, suffixes[i])
	}

	// Print 3 significant digits
	return fmt.Sprintf("%.3g %s", float64(v)/float64(d), suffixes[i])
}

// TrimASCII trims the padding from a fixed-width SCSI ASCII field. Fields are space padded, but
// some devices pad with NULs instead.
func TrimASCII(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}

// HexDump writes data to w in the canonical hex + ASCII layout, 16 bytes per line, with offsets
// starting at base.
func HexDump(w io.Writer, base uint64, data []byte) error {
	var line bytes.Buffer

	for i := 0; i < len(data); i += 16 {
		line.Reset()
		fmt.Fprintf(&line, "%08x  ", base+uint64(i))

		for j := 0; j < 16; j++ {
			if i+j < len(data) {
				fmt.Fprintf(&line, "%02x ", data[i+j])
			} else {
				line.WriteString("   ")
			}
			if j == 7 {
				line.WriteByte(' ')
			}
		}

		line.WriteString(" |")
		for j := 0; j < 16 && i+j < len(data); j++ {
			if c := data[i+j]; c >= 0x20 && c < 0x7f {
				line.WriteByte(c)
			} else {
				line.WriteByte('.')
			}
		}
		line.WriteString("|\n")

		if _, err := w.Write(line.Bytes()); err != nil {
			return err
		}
	}

	return nil
}
