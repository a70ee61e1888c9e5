// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/usbmsc/bot"
)

const testDb = `
devices:
  - name: DEFAULT
    endpoint_in: 0x81
    endpoint_out: 0x02
    timeout: 5s
    max_transfers: 1024
  - name: SanDisk Cruzer
    match: "^0781:55[0-9A-F]{2}$"
    timeout: 20s
  - name: Slow card reader
    match: "^05e3:0749$"
    endpoint_out: 0x01
    max_transfers: 4096
    cbw_policy: await
    warning: Needs a settle delay after Test Unit Ready
`

func TestLookupDevice(t *testing.T) {
	assert := assert.New(t)

	db, err := Parse(strings.NewReader(testDb))
	require.NoError(t, err)
	require.Len(t, db.Devices, 3)

	p := db.LookupDevice(0x0781, 0x5567)
	assert.Equal("SanDisk Cruzer", p.Name)
	assert.Equal(uint8(0x81), p.EndpointIn)
	assert.Equal(uint8(0x02), p.EndpointOut)
	assert.Equal(20*time.Second, p.Timeout)
	assert.Equal(1024, p.MaxTransfers)

	p = db.LookupDevice(0x05e3, 0x0749)
	assert.Equal(uint8(0x01), p.EndpointOut)
	assert.Equal(5*time.Second, p.Timeout)
	assert.Equal(4096, p.MaxTransfers)
	assert.Equal("await", p.CBWPolicy)
	assert.NotEmpty(p.WarningMsg)

	p = db.LookupDevice(0x1234, 0x5678)
	assert.Equal(DEFAULT_PROFILE, p.Name)
	assert.Equal(uint8(0x81), p.EndpointIn)
}

func TestLookupDoesNotMutateDefault(t *testing.T) {
	db, err := Parse(strings.NewReader(testDb))
	require.NoError(t, err)

	db.LookupDevice(0x05e3, 0x0749)
	assert.Equal(t, 5*time.Second, db.LookupDevice(0xffff, 0xffff).Timeout)
}

func TestEngineOptions(t *testing.T) {
	db, err := Parse(strings.NewReader(testDb))
	require.NoError(t, err)

	opts, err := db.LookupDevice(0x05e3, 0x0749).EngineOptions()
	assert.NoError(t, err)
	assert.Len(t, opts, 2)

	// Options apply cleanly to a real engine
	assert.NotNil(t, bot.NewEngine(nil, opts...))

	_, err = Profile{Name: "bogus", CBWPolicy: "maybe"}.EngineOptions()
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("devices:\n  - name: bad\n    match: \"(\"\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("devices: [\n"))
	assert.Error(t, err)

	db, err := Parse(strings.NewReader(""))
	assert.NoError(t, err)
	assert.Empty(t, db.Devices)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDb), 0644))

	db, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, db.Devices, 3)

	_, err = Open(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
