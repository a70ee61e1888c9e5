// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package bot

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/dswarbrick/usbmsc/scsi"
)

// ErrIO matches every failure of a command cycle: errors.Is(err, ErrIO) holds for
// *TransportError, *ProtocolError and *CommandFailedError.
var ErrIO = errors.New("mass storage I/O error")

// Phase identifies the stage of a command cycle.
type Phase int

const (
	PhaseCommand Phase = iota
	PhaseData
	PhaseStatus
)

func (p Phase) String() string {
	switch p {
	case PhaseCommand:
		return "command"
	case PhaseData:
		return "data"
	case PhaseStatus:
		return "status"
	default:
		return "unknown"
	}
}

// TransportError reports a bulk transfer that failed or moved the wrong number of bytes.
type TransportError struct {
	Phase    Phase
	Opcode   byte
	Expected int
	Actual   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s phase of %s: transferred %d of %d bytes: %v",
			e.Phase, scsi.OpcodeName(e.Opcode), e.Actual, e.Expected, e.Err)
	}
	return fmt.Sprintf("%s phase of %s: transferred %d of %d bytes",
		e.Phase, scsi.OpcodeName(e.Opcode), e.Actual, e.Expected)
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrIO }

// Reasons for a ProtocolError.
const (
	ReasonBadCSW      = "malformed CSW"
	ReasonTagMismatch = "CSW tag mismatch"
	ReasonPhaseError  = "phase error"
	ReasonBadStatus   = "reserved CSW status"
)

// ProtocolError reports a desynchronization between host and device: a malformed CSW, a CSW
// carrying another command's tag, or a phase error status.
type ProtocolError struct {
	Reason string
	Opcode byte
	Tag    uint32
	CSW    CommandStatusWrapper
	Err    error
}

func (e *ProtocolError) Error() string {
	switch e.Reason {
	case ReasonTagMismatch:
		return fmt.Sprintf("%s: %s: expected tag %#x, got %#x", scsi.OpcodeName(e.Opcode), e.Reason, e.Tag, e.CSW.Tag)
	case ReasonBadCSW:
		return fmt.Sprintf("%s: %s: %v", scsi.OpcodeName(e.Opcode), e.Reason, e.Err)
	default:
		return fmt.Sprintf("%s: %s (status %#02x, tag %#x)", scsi.OpcodeName(e.Opcode), e.Reason, e.CSW.Status, e.Tag)
	}
}

func (e *ProtocolError) Unwrap() error        { return e.Err }
func (e *ProtocolError) Is(target error) bool { return target == ErrIO }

// CommandFailedError reports a well-formed CSW with status Failed: the device understood the
// command but did not complete it.
type CommandFailedError struct {
	Opcode  byte
	Tag     uint32
	Residue uint32
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("%s failed on device (tag %#x, residue %d)", scsi.OpcodeName(e.Opcode), e.Tag, e.Residue)
}

func (e *CommandFailedError) Is(target error) bool { return target == ErrIO }
