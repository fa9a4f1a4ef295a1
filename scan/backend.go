package scan

import (
	"context"
	"fmt"
	"time"

	"bertd/link"
	"bertd/macro"
)

// Macro opcodes of the scan unit.
const (
	opBufferInfo byte = 0x40
	opSweep      byte = 0x41
)

// sweepTimeout bounds one sweep macro. Sweeps are sized by the device
// buffer, so a fixed budget covers the worst case.
const sweepTimeout = 5 * time.Second

// DeviceBackend adapts the macro engine and the framer into the engine's
// Backend.
type DeviceBackend struct {
	Macro  *macro.Engine
	Framer *link.Framer
	Dev    link.DevAddr
}

// BufferInfo queries the scan output buffer location and capacity with one
// macro call.
func (b *DeviceBackend) BufferInfo(ctx context.Context, lane int) (uint32, int, error) {
	out, err := b.Macro.Run(ctx, macro.Invocation{
		Opcode: opBufferInfo,
		In:     []byte{byte(lane)},
		OutLen: 4,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("scan: buffer info: %w", err)
	}
	addr := uint32(out[0])<<8 | uint32(out[1])
	size := int(out[2])<<8 | int(out[3])
	return addr, size, nil
}

// Sweep triggers the bounded sweep macro and waits for its completion.
func (b *DeviceBackend) Sweep(ctx context.Context, req SweepRequest) error {
	yParam := req.StepY
	kind := byte(0)
	if req.Kind == Bathtub {
		kind = 1
		yParam = req.OffsetRow
	}
	_, err := b.Macro.Run(ctx, macro.Invocation{
		Opcode: opSweep,
		In: []byte{byte(req.Lane), kind, byte(req.FirstLine), byte(req.LineCount),
			byte(req.StepX), byte(yParam), byte(req.Depth)},
		Timeout: sweepTimeout,
	})
	if err != nil {
		return fmt.Errorf("scan: sweep at line %v: %w", req.FirstLine, err)
	}
	return nil
}

// ReadBlock fetches the produced bytes from the device's output buffer.
func (b *DeviceBackend) ReadBlock(addr uint32, n int) ([]byte, error) {
	return b.Framer.BlockRead(b.Dev, addr, n)
}
