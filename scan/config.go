// Package scan acquires eye diagrams and bathtub curves from one lane of the
// instrument. It drives repeated bounded macro sweeps, unpacks the
// variable-bit-depth sample blocks, aligns and accumulates passes, and
// converts cumulative error counts into a log-scale error-ratio surface.
package scan

import (
	"errors"
	"fmt"
)

// Kind selects the acquisition shape.
type Kind int

const (
	// Eye is a full 2-D scan across phase and voltage offsets.
	Eye Kind = iota
	// Bathtub is a single-row scan at a fixed voltage offset.
	Bathtub
)

func (k Kind) String() string {
	if k == Bathtub {
		return "bathtub"
	}
	return "eye"
}

// ErrBadDepth rejects bit-depth values outside {1, 2, 4, 8} before any
// hardware access happens.
var ErrBadDepth = errors.New("scan: bit depth must be 1, 2, 4 or 8")

// fullSpan is the phase/voltage range of the hardware sweep in steps.
const fullSpan = 128

// Config describes one scan session. Changing any field starts a new
// session, which resets the accumulation buffers on its first completed
// pass.
type Config struct {
	Kind      Kind
	Lane      int
	StepX     int // horizontal step; sample count = 128/StepX
	StepY     int // vertical step (eye only); line count = 128/StepY
	OffsetRow int // fixed voltage-offset row (bathtub only)
	Depth     int // bits per sample: 1, 2, 4 or 8
}

// Validate checks the configuration without touching hardware.
func (c Config) Validate() error {
	switch c.Depth {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w (got %v)", ErrBadDepth, c.Depth)
	}
	if c.StepX <= 0 || fullSpan%c.StepX != 0 {
		return fmt.Errorf("scan: horizontal step %v does not divide %v", c.StepX, fullSpan)
	}
	if c.SizeX()*c.Depth < 8 {
		return fmt.Errorf("scan: %v samples at depth %v pack to less than one byte per line",
			c.SizeX(), c.Depth)
	}
	if c.Kind == Eye {
		if c.StepY <= 0 || fullSpan%c.StepY != 0 {
			return fmt.Errorf("scan: vertical step %v does not divide %v", c.StepY, fullSpan)
		}
	} else {
		if c.OffsetRow < 0 || c.OffsetRow >= fullSpan {
			return fmt.Errorf("scan: offset row %v out of range", c.OffsetRow)
		}
	}
	return nil
}

// SizeX is the horizontal sample count per line.
func (c Config) SizeX() int { return fullSpan / c.StepX }

// SizeY is the number of lines acquired. An eye scan that would land on 128
// lines is clamped to 127; a bathtub scan is always one line.
func (c Config) SizeY() int {
	if c.Kind == Bathtub {
		return 1
	}
	n := fullSpan / c.StepY
	if n == fullSpan {
		n = fullSpan - 1
	}
	return n
}

// BytesPerLine is the packed size of one line at the configured depth.
func (c Config) BytesPerLine() int { return c.SizeX() * c.Depth / 8 }

// Surface is one normalized acquisition result: log10 error ratios in
// row-major order, SizeY rows of SizeX columns.
type Surface struct {
	Values []float64
	SizeX  int
	SizeY  int

	// Passes is how many accumulation passes contributed.
	Passes int
	// BitsAnalyzed is the normalization denominator, 2^depth per sample
	// and pass.
	BitsAnalyzed float64
}
