// Package profile parses frequency/register profiles: sparse maps from
// 16-bit register address to 16-bit value with a trailing checksum, used to
// bring a synthesizer chip onto a configured frequency at connect time.
package profile

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"bertd/link"
	"bertd/macro"
)

// Profile is one parsed register profile. Valid is false until the checksum
// line has been seen and matched.
type Profile struct {
	Regs  map[uint16]uint16
	Valid bool
}

// checksum folds all address and value words into the 16-bit sum the
// profile's check line carries.
func checksum(regs map[uint16]uint16) uint16 {
	var sum uint16
	for a, v := range regs {
		sum += a + v
	}
	return sum
}

// Parse reads a profile of "ADDR=VALUE" hex lines terminated by a
// "check=SUM" line. Blank lines and '#' comments are ignored. A missing or
// mismatched checksum yields an invalid profile and an error.
func Parse(r io.Reader) (*Profile, error) {
	p := &Profile{Regs: make(map[uint16]uint16)}
	var want uint16
	sawCheck := false

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return p, fmt.Errorf("profile: line %v: no '=': %w", lineNum, link.ErrMalformedData)
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		v, err := strconv.ParseUint(val, 16, 16)
		if err != nil {
			return p, fmt.Errorf("profile: line %v: bad value %q: %w", lineNum, val, link.ErrMalformedData)
		}

		if strings.EqualFold(key, "check") {
			want = uint16(v)
			sawCheck = true
			continue
		}

		a, err := strconv.ParseUint(key, 16, 16)
		if err != nil {
			return p, fmt.Errorf("profile: line %v: bad address %q: %w", lineNum, key, link.ErrMalformedData)
		}
		p.Regs[uint16(a)] = uint16(v)
	}
	if err := scanner.Err(); err != nil {
		return p, err
	}

	if !sawCheck {
		return p, fmt.Errorf("profile: missing check line: %w", link.ErrMalformedData)
	}
	if got := checksum(p.Regs); got != want {
		return p, fmt.Errorf("profile: checksum 0x%04x, expected 0x%04x: %w",
			got, want, link.ErrMalformedData)
	}
	p.Valid = true
	return p, nil
}

// Apply writes the profile into the chip in ascending register order. Only
// valid profiles may be applied.
func (p *Profile) Apply(regs *macro.Regs) error {
	if !p.Valid {
		return fmt.Errorf("profile: refusing to apply invalid profile: %w", link.ErrMalformedData)
	}

	addrs := make([]uint16, 0, len(p.Regs))
	for a := range p.Regs {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, a := range addrs {
		if err := regs.SetWord(a, p.Regs[a]); err != nil {
			return fmt.Errorf("profile: write 0x%04x: %w", a, err)
		}
	}
	log.Infof("profile: applied %v registers", len(addrs))
	return nil
}
