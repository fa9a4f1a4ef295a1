package macro

import (
	"errors"
	"strings"
	"testing"

	"bertd/link"
)

type fakeWriter struct {
	addrs    []uint32
	payloads [][]byte
	fail     bool
}

func (f *fakeWriter) BlockWrite(dev link.DevAddr, addr uint32, data []byte) error {
	if f.fail {
		return link.ErrNack
	}
	f.addrs = append(f.addrs, addr)
	f.payloads = append(f.payloads, append([]byte(nil), data...))
	return nil
}

func TestLoadHex(t *testing.T) {
	image := strings.Join([]string{
		"# comment, ignored",
		":0400100001020304",
		"",
		":0200200506",
	}, "\n")

	w := &fakeWriter{}
	n, err := LoadHex(strings.NewReader(image), w, 0x50, nil)
	if err != nil {
		t.Fatalf("LoadHex: %v", err)
	}
	if n != 6 {
		t.Errorf("wrote %v bytes, want 6", n)
	}
	if len(w.addrs) != 2 || w.addrs[0] != 0x0010 || w.addrs[1] != 0x0020 {
		t.Errorf("write addresses %#x", w.addrs)
	}
	if string(w.payloads[0]) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("first payload %# x", w.payloads[0])
	}
	if string(w.payloads[1]) != string([]byte{5, 6}) {
		t.Errorf("second payload %# x", w.payloads[1])
	}
}

func TestLoadHexSkipsMalformedLines(t *testing.T) {
	image := strings.Join([]string{
		":0400100001020304",
		":04",         // too short
		":0400200001", // count/payload mismatch
		":02003zXX",   // bad hex
		":0100300a",   // good
	}, "\n")

	w := &fakeWriter{}
	n, err := LoadHex(strings.NewReader(image), w, 0x50, nil)
	if err != nil {
		t.Fatalf("LoadHex: %v", err)
	}
	if n != 5 {
		t.Errorf("wrote %v bytes, want 5 (malformed lines skipped)", n)
	}
	if len(w.addrs) != 2 {
		t.Errorf("issued %v block writes, want 2", len(w.addrs))
	}
}

func TestLoadHexNoRecords(t *testing.T) {
	w := &fakeWriter{}
	if _, err := LoadHex(strings.NewReader("nothing here\n"), w, 0x50, nil); !errors.Is(err, link.ErrMalformedData) {
		t.Fatalf("expected ErrMalformedData, got %v", err)
	}
}

func TestLoadHexWriteFailureAborts(t *testing.T) {
	w := &fakeWriter{fail: true}
	if _, err := LoadHex(strings.NewReader(":0100000a\n"), w, 0x50, nil); !errors.Is(err, link.ErrNack) {
		t.Fatalf("expected the block-write error, got %v", err)
	}
}

func TestLoadHexProgressSteps(t *testing.T) {
	// 10 records of 10 bytes each: progress should fire on each 20% step.
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(":0a0")
		b.WriteByte("0123456789"[i])
		b.WriteString("0000112233445566778899\n")
	}

	var calls []int
	w := &fakeWriter{}
	n, err := LoadHex(strings.NewReader(b.String()), w, 0x50, func(written, total int) {
		if total != 100 {
			t.Errorf("total %v, want 100", total)
		}
		calls = append(calls, written)
	})
	if err != nil {
		t.Fatalf("LoadHex: %v", err)
	}
	if n != 100 {
		t.Errorf("wrote %v bytes, want 100", n)
	}
	want := []int{20, 40, 60, 80, 100}
	if len(calls) != len(want) {
		t.Fatalf("progress calls %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("progress call %v at %v bytes, want %v", i, calls[i], want[i])
		}
	}
}
