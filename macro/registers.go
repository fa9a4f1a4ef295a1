package macro

import (
	"fmt"

	"bertd/link"
)

// RegBus is the addressed access the register helpers run on. *link.Framer
// satisfies it.
type RegBus interface {
	Write8(dev link.DevAddr, reg byte, data []byte) error
	Read8(dev link.DevAddr, reg byte, n int) ([]byte, error)
	Write16(dev link.DevAddr, reg uint16, data []byte) error
	Read16(dev link.DevAddr, reg uint16, n int) ([]byte, error)
}

// Regs provides byte-level register access for one chip: the wide 16-bit
// address space on the base device address, and the small per-lane 8-bit
// spaces reached through lane-offset device addresses.
type Regs struct {
	bus  RegBus
	base link.DevAddr
}

// NewRegs returns register access rooted at the chip's base device address.
func NewRegs(bus RegBus, base link.DevAddr) *Regs {
	return &Regs{bus: bus, base: base}
}

// laneDev maps a lane index onto its device address.
func (r *Regs) laneDev(lane int) link.DevAddr {
	return r.base + link.DevAddr(lane)
}

// Get8 reads one byte from a per-lane register.
func (r *Regs) Get8(lane int, reg byte) (byte, error) {
	b, err := r.bus.Read8(r.laneDev(lane), reg, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Set8 writes one byte to a per-lane register.
func (r *Regs) Set8(lane int, reg byte, val byte) error {
	return r.bus.Write8(r.laneDev(lane), reg, []byte{val})
}

// Update8 read-modify-writes the masked bits of a per-lane register,
// preserving the unrelated ones. Masks are explicit; there is no implicit
// shadow state.
func (r *Regs) Update8(lane int, reg byte, mask, val byte) error {
	cur, err := r.Get8(lane, reg)
	if err != nil {
		return err
	}
	next := (cur &^ mask) | (val & mask)
	if next == cur {
		return nil
	}
	return r.Set8(lane, reg, next)
}

// Get16 reads one byte from the wide address space.
func (r *Regs) Get16(reg uint16) (byte, error) {
	b, err := r.bus.Read16(r.base, reg, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Set16 writes one byte to the wide address space.
func (r *Regs) Set16(reg uint16, val byte) error {
	return r.bus.Write16(r.base, reg, []byte{val})
}

// Update16 read-modify-writes the masked bits of a wide register.
func (r *Regs) Update16(reg uint16, mask, val byte) error {
	cur, err := r.Get16(reg)
	if err != nil {
		return err
	}
	next := (cur &^ mask) | (val & mask)
	if next == cur {
		return nil
	}
	return r.Set16(reg, next)
}

// GetWord reads a big-endian 16-bit value from the wide address space.
func (r *Regs) GetWord(reg uint16) (uint16, error) {
	b, err := r.bus.Read16(r.base, reg, 2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// SetWord writes a big-endian 16-bit value to the wide address space.
func (r *Regs) SetWord(reg uint16, val uint16) error {
	return r.bus.Write16(r.base, reg, []byte{byte(val >> 8), byte(val)})
}

// String identifies the chip for log output.
func (r *Regs) String() string {
	return fmt.Sprintf("regs@0x%02x", byte(r.base))
}
