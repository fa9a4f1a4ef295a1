package scan

// Unpack expands a packed sample block into one value per sample. Each byte
// holds 8/depth samples, most-significant group first: at depth 2 the four
// samples of a byte come from bits 7-6, 5-4, 3-2, 1-0 in that order.
func Unpack(block []byte, depth int) []byte {
	perByte := 8 / depth
	mask := byte(1<<depth - 1)

	out := make([]byte, 0, len(block)*perByte)
	for _, b := range block {
		for i := perByte - 1; i >= 0; i-- {
			out = append(out, (b>>(uint(i*depth)))&mask)
		}
	}
	return out
}

// Pack is the inverse of Unpack. Sample values must fit the depth; higher
// bits are masked off. The sample count must be a multiple of 8/depth.
func Pack(samples []byte, depth int) []byte {
	perByte := 8 / depth
	mask := byte(1<<depth - 1)

	out := make([]byte, 0, len(samples)/perByte)
	for i := 0; i+perByte <= len(samples); i += perByte {
		var b byte
		for j := 0; j < perByte; j++ {
			b = b<<uint(depth) | (samples[i+j] & mask)
		}
		out = append(out, b)
	}
	return out
}

// peakColumn returns the column index with the maximum value in row. Ties go
// to the leftmost maximum.
func peakColumn(row []byte) int {
	peak := 0
	for i, v := range row {
		if v > row[peak] {
			peak = i
		}
	}
	return peak
}

// shiftRow rotates a row left by n, so that index n lands at index 0. The
// cut-and-splice is circular; shifting by n and then by len(row)-n restores
// the original row.
func shiftRow(row []byte, n int) []byte {
	if len(row) == 0 {
		return row
	}
	n = ((n % len(row)) + len(row)) % len(row)
	if n == 0 {
		out := make([]byte, len(row))
		copy(out, row)
		return out
	}
	out := make([]byte, 0, len(row))
	out = append(out, row[n:]...)
	out = append(out, row[:n]...)
	return out
}

// shiftRows applies the same circular shift to every row of a row-major
// sample buffer independently.
func shiftRows(samples []byte, sizeX, n int) []byte {
	out := make([]byte, 0, len(samples))
	for off := 0; off+sizeX <= len(samples); off += sizeX {
		out = append(out, shiftRow(samples[off:off+sizeX], n)...)
	}
	return out
}
