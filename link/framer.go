package link

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Bridge command opcodes. Each command frame starts with one of these,
// followed by the shifted 7-bit device address and the command payload. The
// bridge answers every frame with a status byte, then any read data.
const (
	cmdPing     byte = 0x06
	cmdWriteRaw byte = 0x10
	cmdReadRaw  byte = 0x11
	cmdWriteA8  byte = 0x20
	cmdReadA8   byte = 0x21
	cmdWriteA16 byte = 0x22
	cmdReadA16  byte = 0x23
	cmdDirect   byte = 0x30
	cmdConfig   byte = 0x40
	cmdIdent    byte = 0x41
)

// Bridge status codes (first response byte of every frame). The bridge
// always sends the full response length; after a non-OK status the data
// bytes are undefined.
const (
	stOK    byte = 0x00
	stNack  byte = 0x01
	stFault byte = 0x02
)

// Direct-builder tokens for arbitrary I2C sequences. Used for 24-bit
// addressed access and bulk block transfer.
const (
	tokStart   byte = 0xA0
	tokWrite   byte = 0xA1 // followed by count, then count bytes
	tokRestart byte = 0xA2
	tokRead    byte = 0xA3 // followed by count
	tokStop    byte = 0xA4
)

const (
	// frameDataMax is the single-frame payload capacity of the bridge.
	// Larger transfers are split into multiple frames.
	frameDataMax = 60

	// blockDataMax is the data capacity of one direct-builder block
	// transfer after the address bytes and tokens are accounted for.
	blockDataMax = 48

	// subPageSize is the EEPROM sub-page size. A single block write or
	// read must not straddle a sub-page boundary.
	subPageSize = 256

	// frameAttempts is the total number of times one frame is sent before
	// a NACK or transport error is surfaced.
	frameAttempts = 5

	// recoverPause is the settle time after flushing the link during NACK
	// recovery.
	recoverPause = 2 * time.Millisecond

	// ackPollMax bounds the post-write acknowledgement poll. The targets'
	// internal write cycle completes within 10 ms.
	ackPollMax   = 10
	ackPollPause = time.Millisecond
)

// AddrMode selects the register addressing width of a target device.
type AddrMode int

const (
	AddrNone AddrMode = iota
	Addr8
	Addr16
	Addr24
)

// DevAddr is a 7-bit I2C slave address.
type DevAddr byte

// Page returns the device address selecting the given logical EEPROM page.
// Pages are selected via an address offset added to the base 7-bit address.
func (a DevAddr) Page(page byte) DevAddr { return a + DevAddr(page) }

// Identity is the adapter identification triple reported by cmdIdent.
type Identity struct {
	Module  byte
	FwMajor byte
	FwMinor byte
	Mode    byte
}

// knownAdapters lists the (module, firmware, mode) combinations this driver
// is validated against. Anything else is rejected at connect time.
var knownAdapters = []Identity{
	{Module: 0x42, FwMajor: 2, FwMinor: 1, Mode: 0x01},
	{Module: 0x42, FwMajor: 2, FwMinor: 2, Mode: 0x01},
}

// Transport is the byte-level round-trip primitive the framer runs on. It is
// implemented by *Device; tests substitute a scripted fake.
type Transport interface {
	Transfer(cmd []byte, respLen int) ([]byte, error)
	Flush() error
}

// Framer turns addressed I2C operations into bridge command frames, splits
// transfers that exceed the frame capacity or straddle an EEPROM sub-page,
// and retries after NACKs with a link flush in between.
type Framer struct {
	t Transport
}

// NewFramer returns a Framer running on the given transport.
func NewFramer(t Transport) *Framer { return &Framer{t: t} }

// exec sends one command frame and strips the status byte, retrying after
// NACK, adapter fault or timeout with a flush and a short pause. Exceeding
// the retry bound surfaces the specific error, never a downgraded success.
func (f *Framer) exec(cmd []byte, readLen int) ([]byte, error) {
	var err error
	for attempt := 0; attempt < frameAttempts; attempt++ {
		if attempt > 0 {
			log.Warnf("link: retrying frame 0x%02x (attempt %v): %v", cmd[0], attempt+1, err)
			f.t.Flush()
			time.Sleep(recoverPause)
		}

		var rsp []byte
		rsp, err = f.t.Transfer(cmd, 1+readLen)
		if err != nil {
			if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrPending) {
				return nil, err
			}
			continue
		}

		switch rsp[0] {
		case stOK:
			return rsp[1:], nil
		case stNack:
			err = fmt.Errorf("link: frame 0x%02x: %w", cmd[0], ErrNack)
		case stFault:
			err = fmt.Errorf("link: frame 0x%02x: %w", cmd[0], ErrAdapterFault)
		default:
			err = fmt.Errorf("link: frame 0x%02x: status 0x%02x: %w", cmd[0], rsp[0], ErrAdapterFault)
		}
	}
	return nil, err
}

// Ping probes for a device on the bus.
func (f *Framer) Ping(dev DevAddr) error {
	_, err := f.exec([]byte{cmdPing, byte(dev) << 1}, 0)
	return err
}

// WriteRaw writes data to the device without a register address.
func (f *Framer) WriteRaw(dev DevAddr, data []byte) error {
	if len(data) > frameDataMax {
		return fmt.Errorf("link: raw write of %v bytes: %w", len(data), ErrOverflow)
	}
	cmd := append([]byte{cmdWriteRaw, byte(dev) << 1, byte(len(data))}, data...)
	_, err := f.exec(cmd, 0)
	return err
}

// ReadRaw reads n bytes from the device without a register address.
func (f *Framer) ReadRaw(dev DevAddr, n int) ([]byte, error) {
	if n > frameDataMax {
		return nil, fmt.Errorf("link: raw read of %v bytes: %w", n, ErrOverflow)
	}
	return f.exec([]byte{cmdReadRaw, byte(dev) << 1, byte(n)}, n)
}

// Write8 writes data at an 8-bit register address and polls for write
// completion.
func (f *Framer) Write8(dev DevAddr, reg byte, data []byte) error {
	if len(data)+1 > frameDataMax {
		return fmt.Errorf("link: 8-bit write of %v bytes: %w", len(data), ErrOverflow)
	}
	cmd := append([]byte{cmdWriteA8, byte(dev) << 1, byte(1 + len(data)), reg}, data...)
	if _, err := f.exec(cmd, 0); err != nil {
		return err
	}
	return f.ackPoll(dev)
}

// Read8 reads n bytes from an 8-bit register address.
func (f *Framer) Read8(dev DevAddr, reg byte, n int) ([]byte, error) {
	if n > frameDataMax {
		return nil, fmt.Errorf("link: 8-bit read of %v bytes: %w", n, ErrOverflow)
	}
	return f.exec([]byte{cmdReadA8, byte(dev) << 1, reg, byte(n)}, n)
}

// Write16 writes data at a 16-bit register address and polls for write
// completion.
func (f *Framer) Write16(dev DevAddr, reg uint16, data []byte) error {
	if len(data)+2 > frameDataMax {
		return fmt.Errorf("link: 16-bit write of %v bytes: %w", len(data), ErrOverflow)
	}
	cmd := append([]byte{cmdWriteA16, byte(dev) << 1, byte(2 + len(data)),
		byte(reg >> 8), byte(reg)}, data...)
	if _, err := f.exec(cmd, 0); err != nil {
		return err
	}
	return f.ackPoll(dev)
}

// Read16 reads n bytes from a 16-bit register address.
func (f *Framer) Read16(dev DevAddr, reg uint16, n int) ([]byte, error) {
	if n > frameDataMax {
		return nil, fmt.Errorf("link: 16-bit read of %v bytes: %w", n, ErrOverflow)
	}
	return f.exec([]byte{cmdReadA16, byte(dev) << 1, byte(reg >> 8), byte(reg), byte(n)}, n)
}

// Write dispatches a write according to the device's addressing mode.
func (f *Framer) Write(dev DevAddr, mode AddrMode, addr uint32, data []byte) error {
	switch mode {
	case AddrNone:
		return f.WriteRaw(dev, data)
	case Addr8:
		return f.Write8(dev, byte(addr), data)
	case Addr16:
		return f.Write16(dev, uint16(addr), data)
	case Addr24:
		return f.BlockWrite(dev, addr, data)
	}
	return fmt.Errorf("link: unknown addressing mode %v", mode)
}

// Read dispatches a read according to the device's addressing mode.
func (f *Framer) Read(dev DevAddr, mode AddrMode, addr uint32, n int) ([]byte, error) {
	switch mode {
	case AddrNone:
		return f.ReadRaw(dev, n)
	case Addr8:
		return f.Read8(dev, byte(addr), n)
	case Addr16:
		return f.Read16(dev, uint16(addr), n)
	case Addr24:
		return f.BlockRead(dev, addr, n)
	}
	return nil, fmt.Errorf("link: unknown addressing mode %v", mode)
}

// BlockWrite writes data at a 24-bit address using the direct builder. The
// upper address byte selects the logical page; the operation is split at the
// 256-byte sub-page boundary, and further into frame-sized chunks.
func (f *Framer) BlockWrite(dev DevAddr, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	offset := int(addr % subPageSize)
	if offset+len(data) > subPageSize {
		// Straddles a sub-page: exactly two sub-transfers partitioning
		// the range, in order.
		head := subPageSize - offset
		if err := f.BlockWrite(dev, addr, data[:head]); err != nil {
			return err
		}
		return f.BlockWrite(dev, addr+uint32(head), data[head:])
	}

	for len(data) > 0 {
		n := len(data)
		if n > blockDataMax {
			n = blockDataMax
		}
		if err := f.directWrite(dev, addr, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		addr += uint32(n)
	}
	return nil
}

// BlockRead reads n bytes from a 24-bit address using the direct builder,
// split at the sub-page boundary and into frame-sized chunks.
func (f *Framer) BlockRead(dev DevAddr, addr uint32, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	offset := int(addr % subPageSize)
	if offset+n > subPageSize {
		head := subPageSize - offset
		first, err := f.BlockRead(dev, addr, head)
		if err != nil {
			return nil, err
		}
		rest, err := f.BlockRead(dev, addr+uint32(head), n-head)
		if err != nil {
			return nil, err
		}
		return append(first, rest...), nil
	}

	var out []byte
	for n > 0 {
		c := n
		if c > blockDataMax {
			c = blockDataMax
		}
		chunk, err := f.directRead(dev, addr, c)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		n -= c
		addr += uint32(c)
	}
	return out, nil
}

// directWrite issues one start/write/stop sequence carrying the page-selected
// device address, the 16-bit in-page offset and the data.
func (f *Framer) directWrite(dev DevAddr, addr uint32, data []byte) error {
	page := byte(addr >> 16)
	target := dev.Page(page)

	seq := []byte{cmdDirect,
		tokStart, byte(target) << 1,
		tokWrite, byte(2 + len(data)), byte(addr >> 8), byte(addr)}
	seq = append(seq, data...)
	seq = append(seq, tokStop)

	if _, err := f.exec(seq, 0); err != nil {
		return err
	}
	return f.ackPoll(target)
}

// directRead issues start/write(address)/restart/read/stop and returns the
// bytes read.
func (f *Framer) directRead(dev DevAddr, addr uint32, n int) ([]byte, error) {
	page := byte(addr >> 16)
	target := dev.Page(page)

	seq := []byte{cmdDirect,
		tokStart, byte(target) << 1,
		tokWrite, 2, byte(addr >> 8), byte(addr),
		tokRestart, byte(target)<<1 | 1,
		tokRead, byte(n),
		tokStop}
	return f.exec(seq, n)
}

// ackPoll probes the device with zero-length writes until it acknowledges
// again, bounded by ackPollMax. Targets stretch their internal write cycle
// for up to 10 ms after an addressed write.
func (f *Framer) ackPoll(dev DevAddr) error {
	var err error
	for i := 0; i < ackPollMax; i++ {
		var rsp []byte
		rsp, err = f.t.Transfer([]byte{cmdWriteRaw, byte(dev) << 1, 0}, 1)
		if err == nil && rsp[0] == stOK {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("link: ack poll: %w", ErrNack)
		}
		time.Sleep(ackPollPause)
	}
	log.Warnf("link: device 0x%02x still busy after write: %v", byte(dev), err)
	return err
}

// Identify queries the adapter identity and verifies it against the known
// module/firmware/mode combinations.
func (f *Framer) Identify() (Identity, error) {
	rsp, err := f.exec([]byte{cmdIdent}, 4)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{Module: rsp[0], FwMajor: rsp[1], FwMinor: rsp[2], Mode: rsp[3]}
	for _, k := range knownAdapters {
		if id == k {
			return id, nil
		}
	}
	return id, &IdentityError{Module: id.Module, FwMajor: id.FwMajor,
		FwMinor: id.FwMinor, Mode: id.Mode}
}

// Configure puts the adapter into I2C bridge mode.
func (f *Framer) Configure() error {
	_, err := f.exec([]byte{cmdConfig, 0x01}, 0)
	return err
}

// Reset clears the link state after a stuck transaction: flush, settle,
// reconfigure. Used by the macro engine between invocation retries.
func (f *Framer) Reset() error {
	f.t.Flush()
	time.Sleep(recoverPause)
	return f.Configure()
}

// MonitorPoll builds the periodic status poll run by the Device worker: one
// temperature read and one lock-status read from the given 16-bit registers.
func MonitorPoll(dev DevAddr, tempReg, lockReg uint16) func(*Device) {
	read := func(d *Device, reg uint16) (byte, bool) {
		cmd := []byte{cmdReadA16, byte(dev) << 1, byte(reg >> 8), byte(reg), 1}
		rsp, err := d.monitorTransfer(cmd, 2)
		if err != nil || rsp[0] != stOK {
			return 0, false
		}
		return rsp[1], true
	}
	return func(d *Device) {
		temp, ok1 := read(d, tempReg)
		lock, ok2 := read(d, lockReg)
		if ok1 && ok2 {
			d.setStatus(temp, lock&0x01 != 0)
		}
	}
}
