// Package macro implements the request/response protocol of the instrument
// chips' on-board macro execution unit: parameter upload, opcode trigger,
// poll to completion, result fetch. It also provides addressed register
// access and the hex bulk loader used to stream firmware extensions into
// device memory.
package macro

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"bertd/link"
)

const (
	// regParams is the fixed 16-bit address of the macro input-parameter
	// buffer. Results are read back from the same window.
	regParams uint16 = 0x7F00

	// regTrigger is the trigger/result register. Writing an opcode starts
	// the macro; reading it back yields macroDone, macroFailed or any
	// other value while the macro is still running.
	regTrigger uint16 = 0x7F10

	macroDone   byte = 0x00
	macroFailed byte = 0x01

	// paramMax bounds both the input and output byte counts of one
	// invocation.
	paramMax = 16

	// retryMax is the macro-level retry bound. Distinct from the framer's
	// local NACK retries: a macro retry resets the adapter link and
	// replays the whole invocation.
	retryMax = 4

	pollInterval   = 100 * time.Millisecond
	defaultTimeout = 2 * time.Second
)

// OpQueryVersion probes for the loaded firmware extension. It must never be
// retried: a failure here is the capability answer, not a transient fault.
const OpQueryVersion byte = 0x18

// Bus is the register access the engine runs on. *link.Framer satisfies it.
type Bus interface {
	Write16(dev link.DevAddr, reg uint16, data []byte) error
	Read16(dev link.DevAddr, reg uint16, n int) ([]byte, error)
	Reset() error
}

// Invocation describes one macro call.
type Invocation struct {
	Opcode  byte
	In      []byte        // input parameters, at most 16 bytes
	OutLen  int           // expected result bytes, at most 16
	Timeout time.Duration // poll budget; defaults to 2s
}

// Engine drives the macro unit of one device. One invocation completes
// before the next may start; Engine is not safe for concurrent Run calls.
type Engine struct {
	bus Bus
	dev link.DevAddr

	// Poll is the trigger-register poll interval. Overridable in tests.
	Poll time.Duration

	// Timeout is the poll budget applied to invocations that do not carry
	// their own.
	Timeout time.Duration
}

// NewEngine returns an Engine for the device at dev.
func NewEngine(bus Bus, dev link.DevAddr) *Engine {
	return &Engine{bus: bus, dev: dev, Poll: pollInterval, Timeout: defaultTimeout}
}

// Run executes one macro invocation: upload parameters, trigger the opcode,
// poll the trigger register to completion, fetch results. On a timeout or a
// device-reported error it resets the adapter link and replays the whole
// invocation, up to four times; OpQueryVersion is exempt and fails
// immediately.
func (e *Engine) Run(ctx context.Context, inv Invocation) ([]byte, error) {
	if len(inv.In) > paramMax {
		return nil, fmt.Errorf("macro 0x%02x: %v input bytes: %w",
			inv.Opcode, len(inv.In), link.ErrOverflow)
	}
	if inv.OutLen > paramMax {
		return nil, fmt.Errorf("macro 0x%02x: %v output bytes: %w",
			inv.Opcode, inv.OutLen, link.ErrOverflow)
	}
	if inv.Timeout <= 0 {
		inv.Timeout = e.Timeout
	}

	attempts := 1 + retryMax
	if inv.Opcode == OpQueryVersion {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			log.Warnf("macro 0x%02x: attempt %v after %v", inv.Opcode, attempt+1, err)
			if rerr := e.bus.Reset(); rerr != nil {
				return nil, rerr
			}
		}

		var out []byte
		out, err = e.runOnce(ctx, inv)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, link.ErrTimeout) && !errors.Is(err, link.ErrDeviceError) {
			// Transport faults and cancellation are not macro-retryable.
			return nil, err
		}
	}
	return nil, err
}

// runOnce walks one invocation through ParamsSent, Triggered and Polling.
func (e *Engine) runOnce(ctx context.Context, inv Invocation) ([]byte, error) {
	if len(inv.In) > 0 {
		if err := e.bus.Write16(e.dev, regParams, inv.In); err != nil {
			return nil, err
		}
	}

	if err := e.bus.Write16(e.dev, regTrigger, []byte{inv.Opcode}); err != nil {
		return nil, err
	}

	budget := int(inv.Timeout / e.Poll)
	if budget < 1 {
		budget = 1
	}
	for i := 0; i < budget; i++ {
		select {
		case <-ctx.Done():
			return nil, link.ErrCancelled
		case <-time.After(e.Poll):
		}

		st, err := e.bus.Read16(e.dev, regTrigger, 1)
		if err != nil {
			return nil, err
		}
		switch st[0] {
		case macroDone:
			if inv.OutLen == 0 {
				return nil, nil
			}
			return e.bus.Read16(e.dev, regParams, inv.OutLen)
		case macroFailed:
			return nil, fmt.Errorf("macro 0x%02x: %w", inv.Opcode, link.ErrDeviceError)
		}
		// still running
	}
	return nil, fmt.Errorf("macro 0x%02x: no completion within %v: %w",
		inv.Opcode, inv.Timeout, link.ErrTimeout)
}

// QueryVersion runs the version-probe macro and returns the extension
// version word, or an error when no extension is loaded. Never retried.
func (e *Engine) QueryVersion(ctx context.Context) (uint16, error) {
	out, err := e.Run(ctx, Invocation{Opcode: OpQueryVersion, OutLen: 2, Timeout: 500 * time.Millisecond})
	if err != nil {
		return 0, err
	}
	return uint16(out[0])<<8 | uint16(out[1]), nil
}
