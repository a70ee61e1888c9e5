// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package config loads per-device transport profiles from a YAML database.
package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/dswarbrick/usbmsc/bot"
)

const DEFAULT_PROFILE = "DEFAULT"

// Profile holds transport and engine settings for devices whose "vvvv:pppp" hex ID matches the
// case-insensitive expression Match. Zero-valued fields are inherited from the DEFAULT profile.
type Profile struct {
	Name         string
	Match        string
	Interface    uint8         `yaml:"interface"`
	EndpointIn   uint8         `yaml:"endpoint_in"`
	EndpointOut  uint8         `yaml:"endpoint_out"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTransfers int           `yaml:"max_transfers"`
	CBWPolicy    string        `yaml:"cbw_policy"`
	WarningMsg   string        `yaml:"warning"`

	CompiledRegexp *regexp.Regexp `yaml:"-"`
}

type Database struct {
	Devices []Profile
}

// DeviceID formats a vendor / product pair the way profiles match against it.
func DeviceID(vid, pid uint16) string {
	return fmt.Sprintf("%04x:%04x", vid, pid)
}

// LookupDevice returns the first profile matching the device, merged over the DEFAULT profile. If
// nothing matches, the DEFAULT profile alone is returned.
func (db *Database) LookupDevice(vid, pid uint16) Profile {
	var profile Profile

	id := []byte(DeviceID(vid, pid))

	for _, p := range db.Devices {
		if p.Name == DEFAULT_PROFILE {
			profile = p
			break
		}
	}

	for _, p := range db.Devices {
		if p.Name == DEFAULT_PROFILE || p.CompiledRegexp == nil {
			continue
		}

		if p.CompiledRegexp.Match(id) {
			profile.merge(p)
			break
		}
	}

	return profile
}

func (p *Profile) merge(o Profile) {
	p.Name = o.Name
	p.Match = o.Match
	p.CompiledRegexp = o.CompiledRegexp
	p.WarningMsg = o.WarningMsg

	if o.Interface != 0 {
		p.Interface = o.Interface
	}
	if o.EndpointIn != 0 {
		p.EndpointIn = o.EndpointIn
	}
	if o.EndpointOut != 0 {
		p.EndpointOut = o.EndpointOut
	}
	if o.Timeout != 0 {
		p.Timeout = o.Timeout
	}
	if o.MaxTransfers != 0 {
		p.MaxTransfers = o.MaxTransfers
	}
	if o.CBWPolicy != "" {
		p.CBWPolicy = o.CBWPolicy
	}
}

// EngineOptions converts the profile's engine settings into bot options.
func (p Profile) EngineOptions() ([]bot.Option, error) {
	var opts []bot.Option

	policy, err := bot.ParseCBWPolicy(p.CBWPolicy)
	if err != nil {
		return nil, errors.Wrapf(err, "profile %q", p.Name)
	}
	opts = append(opts, bot.WithCBWPolicy(policy))

	if p.MaxTransfers != 0 {
		opts = append(opts, bot.WithMaxTransfers(p.MaxTransfers))
	}

	return opts, nil
}

// Parse decodes a YAML profile database and compiles each profile's match expression.
func Parse(r io.Reader) (Database, error) {
	var db Database

	if err := yaml.NewDecoder(r).Decode(&db); err != nil && err != io.EOF {
		return db, errors.Wrap(err, "decode device database")
	}

	for i, p := range db.Devices {
		if p.Name == DEFAULT_PROFILE || p.Match == "" {
			continue
		}

		re, err := regexp.Compile("(?i)" + p.Match)
		if err != nil {
			return db, errors.Wrapf(err, "profile %q", p.Name)
		}
		db.Devices[i].CompiledRegexp = re
	}

	return db, nil
}

// Open opens a YAML-formatted device database, unmarshals it, and returns a Database.
func Open(path string) (Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return Database{}, errors.Wrap(err, "open device database")
	}

	defer f.Close()

	return Parse(f)
}
