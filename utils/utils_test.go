// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("0 B", FormatBytes(0))
	assert.Equal("999 B", FormatBytes(999))
	assert.Equal("1 KB", FormatBytes(1000))
	assert.Equal("1.05 MB", FormatBytes(1048576))
	assert.Equal("16 GB", FormatBytes(16e9))
	assert.Equal("18.4 EB", FormatBytes(^uint64(0)))
}

func TestTrimASCII(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("SanDisk", TrimASCII([]byte("SanDisk ")))
	assert.Equal("Cruzer", TrimASCII([]byte("Cruzer\x00\x00\x00 ")))
	assert.Equal(" lead", TrimASCII([]byte(" lead")))
	assert.Equal("", TrimASCII([]byte("    ")))
}

func TestHexDump(t *testing.T) {
	var buf bytes.Buffer

	data := append([]byte("USBC"), 0x01, 0x00, 0x00, 0x00)
	data = append(data, bytes.Repeat([]byte{0xff}, 10)...)

	assert.NoError(t, HexDump(&buf, 0x200, data))
	assert.Equal(t,
		"00000200  55 53 42 43 01 00 00 00  ff ff ff ff ff ff ff ff  |USBC............|\n"+
			"00000210  ff ff                                             |..|\n",
		buf.String())
}
