package macro

import (
	"context"
	"errors"
	"testing"
	"time"

	"bertd/link"
)

// fakeBus simulates the macro unit's register window. Behavior per attempt
// is scripted through outcomes: each entry is the trigger status the device
// settles on for one invocation attempt ('run' entries stay busy forever).
type fakeBus struct {
	params   []byte
	triggers []byte
	resets   int

	outcomes []byte // per attempt: macroDone, macroFailed, or 0xFF = never completes
	attempt  int

	result []byte

	pollsLeft int
}

const neverDone byte = 0xFF

func (f *fakeBus) Write16(dev link.DevAddr, reg uint16, data []byte) error {
	switch reg {
	case regParams:
		f.params = append([]byte(nil), data...)
	case regTrigger:
		f.triggers = append(f.triggers, data[0])
		f.pollsLeft = 2 // stay busy for a couple of polls
	}
	return nil
}

func (f *fakeBus) Read16(dev link.DevAddr, reg uint16, n int) ([]byte, error) {
	if reg == regTrigger {
		if f.pollsLeft > 0 {
			f.pollsLeft--
			return []byte{0x5A}, nil // still running
		}
		i := f.attempt
		if i >= len(f.outcomes) {
			i = len(f.outcomes) - 1
		}
		st := f.outcomes[i]
		if st == neverDone {
			return []byte{0x5A}, nil
		}
		f.attempt++
		return []byte{st}, nil
	}
	out := make([]byte, n)
	copy(out, f.result)
	return out, nil
}

func (f *fakeBus) Reset() error {
	f.resets++
	return nil
}

func fastEngine(bus Bus) *Engine {
	e := NewEngine(bus, 0x50)
	e.Poll = time.Millisecond
	return e
}

func TestRunSuccess(t *testing.T) {
	bus := &fakeBus{outcomes: []byte{macroDone}, result: []byte{0xDE, 0xAD}}
	e := fastEngine(bus)

	out, err := e.Run(context.Background(), Invocation{
		Opcode: 0x21, In: []byte{1, 2, 3}, OutLen: 2, Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out[0] != 0xDE || out[1] != 0xAD {
		t.Errorf("result %# x", out)
	}
	if string(bus.params) != string([]byte{1, 2, 3}) {
		t.Errorf("params %# x not uploaded", bus.params)
	}
	if len(bus.triggers) != 1 || bus.triggers[0] != 0x21 {
		t.Errorf("triggers %# x", bus.triggers)
	}
	if bus.resets != 0 {
		t.Errorf("unexpected link resets: %v", bus.resets)
	}
}

func TestNoParamsSkipsUpload(t *testing.T) {
	bus := &fakeBus{outcomes: []byte{macroDone}}
	e := fastEngine(bus)

	if _, err := e.Run(context.Background(), Invocation{Opcode: 0x22, Timeout: 100 * time.Millisecond}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bus.params != nil {
		t.Errorf("parameter upload happened with no input bytes")
	}
}

func TestTimeoutRetriesThenSurfaces(t *testing.T) {
	bus := &fakeBus{outcomes: []byte{neverDone}}
	e := fastEngine(bus)

	_, err := e.Run(context.Background(), Invocation{Opcode: 0x21, Timeout: 5 * time.Millisecond})
	if !errors.Is(err, link.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if len(bus.triggers) != 5 {
		t.Errorf("invocation attempted %v times, want 5 (1 + 4 retries)", len(bus.triggers))
	}
	if bus.resets != 4 {
		t.Errorf("link reset %v times, want 4", bus.resets)
	}
}

func TestDeviceErrorRetriesThenSurfaces(t *testing.T) {
	bus := &fakeBus{outcomes: []byte{macroFailed}}
	e := fastEngine(bus)

	_, err := e.Run(context.Background(), Invocation{Opcode: 0x21, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, link.ErrDeviceError) {
		t.Fatalf("expected ErrDeviceError, got %v", err)
	}
	if len(bus.triggers) != 5 {
		t.Errorf("invocation attempted %v times, want 5", len(bus.triggers))
	}
}

func TestRetryRecovers(t *testing.T) {
	bus := &fakeBus{outcomes: []byte{macroFailed, macroFailed, macroDone}}
	e := fastEngine(bus)

	if _, err := e.Run(context.Background(), Invocation{Opcode: 0x21, Timeout: 100 * time.Millisecond}); err != nil {
		t.Fatalf("Run after recovery: %v", err)
	}
	if bus.resets != 2 {
		t.Errorf("link reset %v times, want 2", bus.resets)
	}
}

func TestVersionQueryNeverRetries(t *testing.T) {
	bus := &fakeBus{outcomes: []byte{macroFailed}}
	e := fastEngine(bus)

	_, err := e.Run(context.Background(), Invocation{Opcode: OpQueryVersion, OutLen: 2, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, link.ErrDeviceError) {
		t.Fatalf("expected ErrDeviceError, got %v", err)
	}
	if len(bus.triggers) != 1 {
		t.Errorf("version query attempted %v times, want exactly 1", len(bus.triggers))
	}
	if bus.resets != 0 {
		t.Errorf("version query reset the link %v times", bus.resets)
	}
}

func TestOversizedInvocationRejected(t *testing.T) {
	bus := &fakeBus{outcomes: []byte{macroDone}}
	e := fastEngine(bus)

	if _, err := e.Run(context.Background(), Invocation{Opcode: 0x21, In: make([]byte, 17)}); !errors.Is(err, link.ErrOverflow) {
		t.Fatalf("expected ErrOverflow for 17 input bytes, got %v", err)
	}
	if _, err := e.Run(context.Background(), Invocation{Opcode: 0x21, OutLen: 17}); !errors.Is(err, link.ErrOverflow) {
		t.Fatalf("expected ErrOverflow for 17 output bytes, got %v", err)
	}
	if len(bus.triggers) != 0 {
		t.Errorf("oversized invocation reached the device")
	}
}

func TestCancelledDuringPoll(t *testing.T) {
	bus := &fakeBus{outcomes: []byte{neverDone}}
	e := fastEngine(bus)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, Invocation{Opcode: 0x21, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, link.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if bus.resets != 0 {
		t.Errorf("cancellation triggered %v retries", bus.resets)
	}
}
