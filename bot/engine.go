// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Bulk-Only Transport command / data / status cycle.

package bot

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dswarbrick/usbmsc/scsi"
)

// Default bound on the number of transfer calls spent gathering one data phase.
const DEFAULT_MAX_TRANSFERS = 1024

var (
	ErrDataBuffer   = errors.New("data buffer smaller than transfer length")
	ErrTooManyTries = errors.New("data phase incomplete after maximum number of transfers")
	ErrOverrun      = errors.New("transport reported more bytes than requested")
	ErrShortCBWSend = errors.New("short CBW write")
)

// CBWPolicy controls how the engine treats completion of the asynchronous CBW write.
type CBWPolicy int

const (
	// CBWFireAndForget submits the CBW and proceeds straight to the data phase. A failed or short
	// CBW write is only logged; the cycle then normally fails later in the data or status phase.
	CBWFireAndForget CBWPolicy = iota

	// CBWAwait waits for the CBW write to complete before the data phase and fails the command
	// with a *TransportError if fewer than CBW_LEN bytes were written.
	CBWAwait
)

func (p CBWPolicy) String() string {
	switch p {
	case CBWAwait:
		return "await"
	default:
		return "fire-and-forget"
	}
}

// ParseCBWPolicy accepts the names returned by CBWPolicy.String.
func ParseCBWPolicy(s string) (CBWPolicy, error) {
	switch s {
	case "", "fire-and-forget":
		return CBWFireAndForget, nil
	case "await":
		return CBWAwait, nil
	}
	return CBWFireAndForget, errors.Errorf("unknown CBW policy %q", s)
}

type Option func(*Engine)

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMaxTransfers bounds the transfer calls per data phase. n <= 0 removes the bound.
func WithMaxTransfers(n int) Option {
	return func(e *Engine) { e.maxTransfers = n }
}

func WithCBWPolicy(p CBWPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// Engine executes SCSI commands over a Bulk-Only Transport. Cycles are serialized: BOT allows a
// single command in flight per interface.
type Engine struct {
	mu sync.Mutex

	t            Transport
	log          logrus.FieldLogger
	maxTransfers int
	policy       CBWPolicy

	tag    uint32
	cbwBuf [CBW_LEN]byte
	cswBuf [CSW_LEN]byte
}

func NewEngine(t Transport, opts ...Option) *Engine {
	e := &Engine{
		t:            t,
		log:          logrus.StandardLogger(),
		maxTransfers: DEFAULT_MAX_TRANSFERS,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) nextTag() uint32 {
	e.tag++
	if e.tag == 0 {
		e.tag++
	}
	return e.tag
}

// Transfer runs one CBW / data / CSW cycle for cmd. data is the data phase buffer: it receives
// cmd.DataLength() bytes for an IN command and supplies them for an OUT command. It may be nil
// for commands without a data phase.
//
// A nil error means the device returned a CSW with status Passed and the matching tag. Failures
// are *TransportError, *ProtocolError or *CommandFailedError.
func (e *Engine) Transfer(cmd scsi.Command, data []byte) (CommandStatusWrapper, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cdb := cmd.Bytes()
	op := scsi.Opcode(cdb)
	length := cmd.DataLength()

	if uint64(len(data)) < uint64(length) {
		return CommandStatusWrapper{}, errors.Wrapf(ErrDataBuffer, "%s: %d < %d", scsi.OpcodeName(op), len(data), length)
	}

	cbw, err := NewCBW(e.nextTag(), length, cmd.Direction() == scsi.DirIn, cdb)
	if err != nil {
		return CommandStatusWrapper{}, err
	}

	log := e.log.WithFields(logrus.Fields{
		"tag":    cbw.Tag,
		"opcode": scsi.OpcodeName(op),
		"length": length,
		"dir":    cmd.Direction(),
	})
	log.Debug("sending CBW")

	if err := e.commandPhase(&cbw, op, log); err != nil {
		return CommandStatusWrapper{}, err
	}

	if length > 0 {
		if err := e.dataPhase(op, cmd.Direction() == scsi.DirIn, data[:length]); err != nil {
			return CommandStatusWrapper{}, err
		}
	}

	csw, err := e.statusPhase(op, cbw.Tag)
	if err != nil {
		return csw, err
	}

	log.WithField("residue", csw.Residue).Debug("command passed")

	return csw, nil
}

func (e *Engine) commandPhase(cbw *CommandBlockWrapper, op byte, log logrus.FieldLogger) error {
	for i := range e.cbwBuf {
		e.cbwBuf[i] = 0
	}
	cbw.MarshalTo(e.cbwBuf[:])

	var result chan error
	if e.policy == CBWAwait {
		result = make(chan error, 1)
	}

	e.t.BulkOutAsync(e.cbwBuf[:], func(n int, err error) {
		if err == nil && n != CBW_LEN {
			err = errors.Wrapf(ErrShortCBWSend, "%d of %d bytes", n, CBW_LEN)
		}

		if result != nil {
			if err != nil {
				err = &TransportError{Phase: PhaseCommand, Opcode: op, Expected: CBW_LEN, Actual: n, Err: err}
			}
			result <- err
			return
		}

		// Nobody waits on this path; the failure can only be reported out of band.
		if err != nil {
			log.WithError(err).Warn("writing CBW failed")
		}
	})

	if result != nil {
		return <-result
	}

	return nil
}

func (e *Engine) dataPhase(op byte, in bool, buf []byte) error {
	var (
		done     int
		attempts int
	)

	for done < len(buf) {
		if e.maxTransfers > 0 && attempts == e.maxTransfers {
			return &TransportError{Phase: PhaseData, Opcode: op, Expected: len(buf), Actual: done, Err: ErrTooManyTries}
		}
		attempts++

		var (
			n   int
			err error
		)

		if in {
			n, err = e.t.BulkIn(buf[done:])
		} else {
			n, err = e.t.BulkOut(buf[done:])
		}

		if n < 0 || n > len(buf)-done {
			return &TransportError{Phase: PhaseData, Opcode: op, Expected: len(buf), Actual: done + n, Err: ErrOverrun}
		}

		done += n

		if err != nil {
			return &TransportError{Phase: PhaseData, Opcode: op, Expected: len(buf), Actual: done, Err: err}
		}
	}

	return nil
}

func (e *Engine) statusPhase(op byte, tag uint32) (CommandStatusWrapper, error) {
	n, err := e.t.BulkIn(e.cswBuf[:])
	if err != nil || n != CSW_LEN {
		return CommandStatusWrapper{}, &TransportError{Phase: PhaseStatus, Opcode: op, Expected: CSW_LEN, Actual: n, Err: err}
	}

	csw, err := ParseCSW(e.cswBuf[:])
	if err != nil {
		return csw, &ProtocolError{Reason: ReasonBadCSW, Opcode: op, Tag: tag, Err: err}
	}

	// The tag is checked before the status: a CSW belonging to another command says nothing
	// about this one.
	if csw.Tag != tag {
		return csw, &ProtocolError{Reason: ReasonTagMismatch, Opcode: op, Tag: tag, CSW: csw}
	}

	switch csw.Status {
	case CSW_STATUS_PASSED:
		return csw, nil
	case CSW_STATUS_FAILED:
		return csw, &CommandFailedError{Opcode: op, Tag: tag, Residue: csw.Residue}
	case CSW_STATUS_PHASE_ERROR:
		return csw, &ProtocolError{Reason: ReasonPhaseError, Opcode: op, Tag: tag, CSW: csw}
	default:
		return csw, &ProtocolError{Reason: ReasonBadStatus, Opcode: op, Tag: tag, CSW: csw}
	}
}
