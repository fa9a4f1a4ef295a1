package scan

import (
	"bytes"
	"testing"
)

func TestUnpackOrder(t *testing.T) {
	cases := []struct {
		depth int
		in    []byte
		want  []byte
	}{
		{1, []byte{0b1010_0001}, []byte{1, 0, 1, 0, 0, 0, 0, 1}},
		{2, []byte{0b11_01_00_10}, []byte{3, 1, 0, 2}},
		{4, []byte{0xA5}, []byte{0xA, 0x5}},
		{8, []byte{0xC3}, []byte{0xC3}},
	}
	for _, tc := range cases {
		got := Unpack(tc.in, tc.depth)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("depth %v: Unpack(%# x) = %v, want %v", tc.depth, tc.in, got, tc.want)
		}
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for _, depth := range []int{1, 2, 4, 8} {
		mask := byte(1<<depth - 1)
		samples := make([]byte, 64)
		for i := range samples {
			samples[i] = byte(i*7) & mask
		}
		packed := Pack(samples, depth)
		if len(packed) != len(samples)*depth/8 {
			t.Errorf("depth %v: packed to %v bytes, want %v", depth, len(packed), len(samples)*depth/8)
		}
		if got := Unpack(packed, depth); !bytes.Equal(got, samples) {
			t.Errorf("depth %v: round trip lost data", depth)
		}
	}
}

func TestPeakColumnLeftmostTie(t *testing.T) {
	row := []byte{0, 3, 7, 2, 7, 1}
	if got := peakColumn(row); got != 2 {
		t.Errorf("peakColumn = %v, want 2 (leftmost of the tie)", got)
	}
}

func TestShiftRowInvertible(t *testing.T) {
	row := []byte{10, 11, 12, 13, 14, 15, 16, 17}
	for n := 0; n < len(row); n++ {
		shifted := shiftRow(row, n)
		if shifted[0] != row[n] {
			t.Errorf("shift %v: index %v did not land at 0: %v", n, n, shifted)
		}
		back := shiftRow(shifted, len(row)-n)
		if !bytes.Equal(back, row) {
			t.Errorf("shift %v then %v does not restore: %v", n, len(row)-n, back)
		}
	}
}

func TestShiftRowsPerRow(t *testing.T) {
	samples := []byte{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}
	got := shiftRows(samples, 4, 1)
	want := []byte{
		2, 3, 4, 1,
		6, 7, 8, 5,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("shiftRows = %v, want %v", got, want)
	}
}
