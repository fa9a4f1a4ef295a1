package scan

import (
	"context"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"bertd/link"
)

// SentinelBelowFloor marks bathtub samples whose accumulated error ratio is
// below the detection floor. log10 of a ratio is never positive, so the
// plotting layer can tell the curve's invisible tail apart from data.
const SentinelBelowFloor float64 = 1

// SweepRequest is one bounded macro sweep filling LineCount lines of the
// device's scan output buffer, starting at FirstLine.
type SweepRequest struct {
	Kind      Kind
	Lane      int
	FirstLine int
	LineCount int
	StepX     int
	StepY     int
	OffsetRow int
	Depth     int
}

// Backend is the device access the engine runs on. The production
// implementation adapts the macro engine and the framer; tests use a
// synthetic device.
type Backend interface {
	// BufferInfo returns the location and capacity of the device's scan
	// output buffer.
	BufferInfo(ctx context.Context, lane int) (addr uint32, size int, err error)

	// Sweep runs one bounded sweep macro to completion.
	Sweep(ctx context.Context, req SweepRequest) error

	// ReadBlock reads n produced bytes from the output buffer.
	ReadBlock(addr uint32, n int) ([]byte, error)
}

// Engine accumulates scan passes for one lane into a normalized error-ratio
// surface. Buffers and the peak-alignment shift are fixed for the lifetime
// of one session and reset whenever the configuration changes. Acquire is
// not safe for concurrent use.
type Engine struct {
	backend Backend

	// Progress, when non-nil, is called with (samplesUnpacked,
	// samplesTotal) after every sweep of a pass.
	Progress func(done, total int)

	cfg     Config
	started bool // a pass has completed for cfg

	counts  []uint32
	surface []float64
	shift   int
	passes  int
}

// NewEngine returns an Engine on the given backend.
func NewEngine(b Backend) *Engine {
	return &Engine{backend: b}
}

// Passes reports how many passes have accumulated in the current session.
func (e *Engine) Passes() int { return e.passes }

// Acquire runs one pass: sweep all lines in bounded blocks, align, and fold
// the counts into the running accumulation. The first pass of a session
// sizes the buffers and fixes the peak-alignment shift; repeat passes with
// an unchanged Config add detail. Cancellation is observed before and after
// each sweep and returns ErrCancelled with the previous session's buffers
// untouched.
func (e *Engine) Acquire(ctx context.Context, cfg Config) (*Surface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fresh := !e.started || cfg != e.cfg

	bufAddr, bufSize, err := e.backend.BufferInfo(ctx, cfg.Lane)
	if err != nil {
		return nil, err
	}

	sizeX, sizeY := cfg.SizeX(), cfg.SizeY()
	bytesPerLine := cfg.BytesPerLine()
	maxLines := bufSize / bytesPerLine
	if maxLines < 1 {
		return nil, fmt.Errorf("scan: line of %v bytes exceeds device buffer (%v): %w",
			bytesPerLine, bufSize, link.ErrOverflow)
	}

	total := sizeX * sizeY
	samples := make([]byte, 0, total)

	for line := 0; line < sizeY; {
		if err := ctx.Err(); err != nil {
			return nil, link.ErrCancelled
		}

		n := sizeY - line
		if n > maxLines {
			n = maxLines
		}
		req := SweepRequest{
			Kind: cfg.Kind, Lane: cfg.Lane,
			FirstLine: line, LineCount: n,
			StepX: cfg.StepX, StepY: cfg.StepY,
			OffsetRow: cfg.OffsetRow, Depth: cfg.Depth,
		}
		if err := e.backend.Sweep(ctx, req); err != nil {
			return nil, err
		}
		block, err := e.backend.ReadBlock(bufAddr, n*bytesPerLine)
		if err != nil {
			return nil, err
		}
		samples = append(samples, Unpack(block, cfg.Depth)...)
		line += n

		if err := ctx.Err(); err != nil {
			return nil, link.ErrCancelled
		}
		if e.Progress != nil {
			e.Progress(len(samples), total)
		}
	}

	// All lines collected; only now touch session state.
	if fresh {
		e.cfg = cfg
		e.started = true
		e.passes = 0
		e.counts = make([]uint32, total)
		e.surface = make([]float64, total)
		center := sizeY / 2
		e.shift = peakColumn(samples[center*sizeX : (center+1)*sizeX])
		log.Debugf("scan: new %v session %vx%v depth %v, peak shift %v",
			cfg.Kind, sizeX, sizeY, cfg.Depth, e.shift)
	}

	aligned := shiftRows(samples, sizeX, e.shift)
	for i, v := range aligned {
		e.counts[i] += uint32(v)
	}
	e.passes++

	bits := float64(uint64(1)<<uint(cfg.Depth)) * float64(e.passes)
	floor := 1 / bits
	logFloor := math.Log10(floor)
	for i, c := range e.counts {
		ratio := float64(c) / bits
		switch {
		case ratio > floor:
			e.surface[i] = math.Log10(ratio)
		case cfg.Kind == Bathtub:
			e.surface[i] = SentinelBelowFloor
		default:
			e.surface[i] = logFloor
		}
	}

	out := make([]float64, total)
	copy(out, e.surface)
	return &Surface{
		Values: out, SizeX: sizeX, SizeY: sizeY,
		Passes: e.passes, BitsAnalyzed: bits,
	}, nil
}

// Reset discards the current session so the next Acquire starts fresh.
func (e *Engine) Reset() {
	e.started = false
	e.counts = nil
	e.surface = nil
	e.passes = 0
	e.shift = 0
}
