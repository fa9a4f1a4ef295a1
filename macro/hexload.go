package macro

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"bertd/link"
)

// BlockWriter streams payload bytes into device memory. *link.Framer
// satisfies it.
type BlockWriter interface {
	BlockWrite(dev link.DevAddr, addr uint32, data []byte) error
}

// record is one parsed line of the bulk-load format: start marker ':',
// 2-hex-digit byte count, 4-hex-digit big-endian address, count payload
// bytes.
type record struct {
	addr uint16
	data []byte
}

// parseRecord returns nil for lines that do not carry a record (blank or
// not starting with ':') and an error for lines that look like a record but
// are malformed.
func parseRecord(line string) (*record, error) {
	if line == "" || line[0] != ':' {
		return nil, nil
	}
	body := line[1:]
	if len(body) < 6 {
		return nil, fmt.Errorf("record too short (%v hex digits): %w", len(body), link.ErrMalformedData)
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("bad hex: %v: %w", err, link.ErrMalformedData)
	}
	count := int(raw[0])
	addr := uint16(raw[1])<<8 | uint16(raw[2])
	payload := raw[3:]
	if len(payload) != count {
		return nil, fmt.Errorf("byte count %v but %v payload bytes: %w",
			count, len(payload), link.ErrMalformedData)
	}
	return &record{addr: addr, data: payload}, nil
}

// LoadHex parses the record-oriented hex stream and writes each record's
// payload to device memory through the framer's block-write primitive.
// Malformed records are skipped with a warning rather than aborting the
// load. progress, when non-nil, is called in roughly 20% increments with
// (bytesWritten, bytesTotal). Returns the number of bytes written.
func LoadHex(r io.Reader, w BlockWriter, dev link.DevAddr, progress func(written, total int)) (int, error) {
	var recs []record
	total := 0

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		rec, err := parseRecord(scanner.Text())
		if err != nil {
			log.Warnf("macro: hex load: skipping line %v: %v", lineNum, err)
			continue
		}
		if rec == nil {
			continue
		}
		recs = append(recs, *rec)
		total += len(rec.data)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("macro: hex load: %v: %w", err, link.ErrMalformedData)
	}
	if total == 0 {
		return 0, fmt.Errorf("macro: hex load: no records: %w", link.ErrMalformedData)
	}

	written := 0
	lastStep := 0
	for _, rec := range recs {
		if err := w.BlockWrite(dev, uint32(rec.addr), rec.data); err != nil {
			return written, fmt.Errorf("macro: hex load at 0x%04x: %w", rec.addr, err)
		}
		written += len(rec.data)

		if progress != nil {
			step := written * 5 / total // 20% increments
			if step != lastStep {
				lastStep = step
				progress(written, total)
			}
		}
	}
	log.Infof("macro: hex load complete, %v bytes in %v records", written, len(recs))
	return written, nil
}
