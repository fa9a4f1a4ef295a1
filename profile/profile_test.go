package profile

import (
	"errors"
	"strings"
	"testing"

	"bertd/link"
	"bertd/macro"
)

// fakeRegBus records the order of 16-bit writes.
type fakeRegBus struct {
	addrs []uint16
	vals  []uint16
}

func (f *fakeRegBus) Write8(dev link.DevAddr, reg byte, data []byte) error { return nil }
func (f *fakeRegBus) Read8(dev link.DevAddr, reg byte, n int) ([]byte, error) {
	return make([]byte, n), nil
}
func (f *fakeRegBus) Read16(dev link.DevAddr, reg uint16, n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (f *fakeRegBus) Write16(dev link.DevAddr, reg uint16, data []byte) error {
	f.addrs = append(f.addrs, reg)
	f.vals = append(f.vals, uint16(data[0])<<8|uint16(data[1]))
	return nil
}

const goodProfile = `# 100 MHz reference
000A = 1234
0002=00FF

check = 133F
`

func TestParse(t *testing.T) {
	p, err := Parse(strings.NewReader(goodProfile))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.Valid {
		t.Fatal("profile not marked valid")
	}
	if len(p.Regs) != 2 || p.Regs[0x000A] != 0x1234 || p.Regs[0x0002] != 0x00FF {
		t.Errorf("registers %v", p.Regs)
	}
}

func TestParseChecksumMismatch(t *testing.T) {
	bad := strings.Replace(goodProfile, "133F", "133E", 1)
	p, err := Parse(strings.NewReader(bad))
	if !errors.Is(err, link.ErrMalformedData) {
		t.Fatalf("expected ErrMalformedData, got %v", err)
	}
	if p.Valid {
		t.Error("mismatched profile marked valid")
	}
}

func TestParseMissingCheckLine(t *testing.T) {
	if _, err := Parse(strings.NewReader("000A=1234\n")); !errors.Is(err, link.ErrMalformedData) {
		t.Fatalf("expected ErrMalformedData, got %v", err)
	}
}

func TestParseBadLine(t *testing.T) {
	cases := []string{
		"000A 1234\ncheck=0\n",  // no '='
		"000A=123X\ncheck=0\n",  // bad value
		"zz=1234\ncheck=1234\n", // bad address
	}
	for _, in := range cases {
		if _, err := Parse(strings.NewReader(in)); !errors.Is(err, link.ErrMalformedData) {
			t.Errorf("%q: expected ErrMalformedData, got %v", in, err)
		}
	}
}

func TestApplyAscendingOrder(t *testing.T) {
	p, err := Parse(strings.NewReader(goodProfile))
	if err != nil {
		t.Fatal(err)
	}

	bus := &fakeRegBus{}
	if err := p.Apply(macro.NewRegs(bus, 0x50)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(bus.addrs) != 2 || bus.addrs[0] != 0x0002 || bus.addrs[1] != 0x000A {
		t.Errorf("write order %#04x, want ascending 0x0002, 0x000a", bus.addrs)
	}
	if bus.vals[0] != 0x00FF || bus.vals[1] != 0x1234 {
		t.Errorf("written values %#04x", bus.vals)
	}
}

func TestApplyRefusesInvalid(t *testing.T) {
	p := &Profile{Regs: map[uint16]uint16{1: 2}}
	bus := &fakeRegBus{}
	if err := p.Apply(macro.NewRegs(bus, 0x50)); !errors.Is(err, link.ErrMalformedData) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if len(bus.addrs) != 0 {
		t.Error("invalid profile reached the bus")
	}
}
