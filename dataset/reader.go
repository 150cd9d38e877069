package dataset

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const readBufferSize = 1 << 16

// Reader decodes records sequentially from a vector stream.
//
// The dataset dimension is fixed by the first header or record; every later record is
// checked against it. A Reader is not safe for concurrent use.
type Reader struct {
	br      *bufio.Reader
	framing Framing
	dim     int
	count   int // announced by a global header, -1 otherwise
	next    int
	buf     []byte
}

// NewReader establishes the dimension of the stream without consuming any record.
//
// An empty per-record-prefixed stream yields a Reader with dimension 0 whose first
// Next returns io.EOF.
func NewReader(r io.Reader, framing Framing) (*Reader, error) {
	rd := &Reader{
		br:      bufio.NewReaderSize(r, readBufferSize),
		framing: framing,
		count:   -1,
	}
	if err := rd.readHeader(); err != nil {
		return nil, err
	}
	return rd, nil
}

func (r *Reader) readHeader() error {
	if r.framing.HasGlobalHeader() {
		var hdr [8]byte
		if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
			return fmt.Errorf("failed to read %s header: %w", r.framing, err)
		}
		count := int(int32(binary.LittleEndian.Uint32(hdr[0:4])))
		dim := int(int32(binary.LittleEndian.Uint32(hdr[4:8])))
		if dim <= 0 {
			return &ErrInvalidDimension{Record: 0, Dimension: dim}
		}
		if count < 0 {
			return fmt.Errorf("dataset: %s header announces negative count %d", r.framing, count)
		}
		r.count, r.dim = count, dim
		return nil
	}

	p, err := r.br.Peek(4)
	if err != nil {
		if len(p) == 0 && errors.Is(err, io.EOF) {
			return nil
		}
		return &ErrTruncatedRecord{Record: 0, cause: err}
	}
	dim := int(int32(binary.LittleEndian.Uint32(p)))
	if dim <= 0 {
		return &ErrInvalidDimension{Record: 0, Dimension: dim}
	}
	r.dim = dim
	return nil
}

// Framing returns the framing being decoded.
func (r *Reader) Framing() Framing { return r.framing }

// Dimension returns the dataset dimension (0 for an empty stream).
func (r *Reader) Dimension() int { return r.dim }

// Position returns the index of the next record to be decoded.
func (r *Reader) Position() int { return r.next }

// HeaderCount returns the record count announced by a global header.
func (r *Reader) HeaderCount() (int, bool) {
	return r.count, r.count >= 0
}

// RecordSize returns the encoded size of one record.
func (r *Reader) RecordSize() int64 { return r.framing.RecordSize(r.dim) }

func (r *Reader) exhausted() bool {
	return r.dim == 0 || (r.count >= 0 && r.next >= r.count)
}

// checkPrefix consumes and validates the per-record dimension prefix.
// It returns io.EOF only on a clean record boundary.
func (r *Reader) checkPrefix() error {
	if r.framing.HasGlobalHeader() {
		return nil
	}
	var pfx [4]byte
	n, err := io.ReadFull(r.br, pfx[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return io.EOF
		}
		return &ErrTruncatedRecord{Record: r.next, cause: err}
	}
	if d := int(int32(binary.LittleEndian.Uint32(pfx[:]))); d != r.dim {
		return &ErrDimensionMismatch{Record: r.next, Expected: r.dim, Actual: d}
	}
	return nil
}

func (r *Reader) bodySize() int {
	return r.dim * r.framing.ElementWidth()
}

func (r *Reader) readBody() ([]byte, error) {
	if r.exhausted() {
		return nil, io.EOF
	}
	if err := r.checkPrefix(); err != nil {
		return nil, err
	}

	size := r.bodySize()
	if cap(r.buf) < size {
		r.buf = make([]byte, size)
	}
	buf := r.buf[:size]
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, &ErrTruncatedRecord{Record: r.next, cause: err}
	}
	r.next++
	return buf, nil
}

// Next decodes the next record as float32. Integer framings are converted.
// It returns io.EOF after the last record.
func (r *Reader) Next() ([]float32, error) {
	b, err := r.readBody()
	if err != nil {
		return nil, err
	}
	return decodeFloats(r.framing, b, r.dim), nil
}

// NextInts decodes the next record of an integer framing.
func (r *Reader) NextInts() ([]int32, error) {
	if !r.framing.IsInteger() {
		return nil, fmt.Errorf("%w: %s", ErrNotIntegerFraming, r.framing)
	}
	b, err := r.readBody()
	if err != nil {
		return nil, err
	}
	out := make([]int32, r.dim)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Skip advances past n records, validating each record's dimension prefix.
// Reaching the end of the stream early returns io.ErrUnexpectedEOF.
func (r *Reader) Skip(n int) error {
	for range n {
		if r.exhausted() {
			return io.ErrUnexpectedEOF
		}
		if err := r.checkPrefix(); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		size := r.bodySize()
		if d, err := r.br.Discard(size); err != nil || d != size {
			return &ErrTruncatedRecord{Record: r.next, cause: err}
		}
		r.next++
	}
	return nil
}

func decodeFloats(f Framing, b []byte, dim int) []float32 {
	out := make([]float32, dim)
	switch f {
	case BVecs:
		for i := range out {
			out[i] = float32(b[i])
		}
	case IVecs, IBin:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(b[i*4:])))
		}
	default:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
	}
	return out
}
