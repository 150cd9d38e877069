package dataset

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/hupe1980/annbench/internal/conv"
)

// Writer encodes records in one framing.
type Writer struct {
	bw      *bufio.Writer
	framing Framing
	dim     int
	dim32   int32
	n       int
	buf     []byte
}

// NewWriter writes the global header (when the framing has one) and returns a Writer
// for records of dimension dim. count is only used by global-header framings.
func NewWriter(w io.Writer, framing Framing, dim, count int) (*Writer, error) {
	d32, err := conv.NonNegativeInt32(dim)
	if err != nil || d32 == 0 {
		return nil, &ErrInvalidDimension{Record: 0, Dimension: dim}
	}
	wr := &Writer{
		bw:      bufio.NewWriter(w),
		framing: framing,
		dim:     dim,
		dim32:   d32,
		buf:     make([]byte, framing.RecordSize(dim)),
	}
	if framing.HasGlobalHeader() {
		c32, err := conv.NonNegativeInt32(count)
		if err != nil {
			return nil, fmt.Errorf("dataset: %s header count: %w", framing, err)
		}
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(c32))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(d32))
		if _, err := wr.bw.Write(hdr[:]); err != nil {
			return nil, fmt.Errorf("failed to write %s header: %w", framing, err)
		}
	}
	return wr, nil
}

func (w *Writer) body() []byte {
	if w.framing.HasGlobalHeader() {
		return w.buf
	}
	binary.LittleEndian.PutUint32(w.buf[0:4], uint32(w.dim32))
	return w.buf[4:]
}

// Write encodes one float record. BVecs components are truncated to uint8.
func (w *Writer) Write(vec []float32) error {
	if len(vec) != w.dim {
		return &ErrDimensionMismatch{Record: w.n, Expected: w.dim, Actual: len(vec)}
	}
	b := w.body()
	switch w.framing {
	case BVecs:
		for i, v := range vec {
			b[i] = uint8(min(max(v, 0), math.MaxUint8))
		}
	case IVecs, IBin:
		for i, v := range vec {
			binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(v)))
		}
	default:
		for i, v := range vec {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
	}
	return w.emit()
}

// WriteInts encodes one record of an integer framing.
func (w *Writer) WriteInts(vec []int32) error {
	if !w.framing.IsInteger() {
		return fmt.Errorf("%w: %s", ErrNotIntegerFraming, w.framing)
	}
	if len(vec) != w.dim {
		return &ErrDimensionMismatch{Record: w.n, Expected: w.dim, Actual: len(vec)}
	}
	b := w.body()
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return w.emit()
}

func (w *Writer) emit() error {
	if _, err := w.bw.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write record %d: %w", w.n, err)
	}
	w.n++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.n }

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error { return w.bw.Flush() }

// FileWriter is a Writer bound to a file and its compression stream.
type FileWriter struct {
	*Writer
	enc  io.WriteCloser
	file *os.File
}

// Create opens path for writing in the format implied by its suffix.
func Create(path string, dim, count int) (*FileWriter, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path) //nolint:gosec // G304: path is caller supplied
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	enc, err := Compress(f, format.Compression)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w, err := NewWriter(enc, format.Framing, dim, count)
	if err != nil {
		_ = enc.Close()
		_ = f.Close()
		return nil, err
	}
	return &FileWriter{Writer: w, enc: enc, file: f}, nil
}

// Close flushes all layers and closes the file.
func (fw *FileWriter) Close() error {
	return errors.Join(fw.Flush(), fw.enc.Close(), fw.file.Close())
}

// WriteFile writes vectors to path in the format implied by its suffix.
func WriteFile(path string, vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("dataset: refusing to write empty dataset %s", path)
	}
	fw, err := Create(path, len(vectors[0]), len(vectors))
	if err != nil {
		return err
	}
	for _, v := range vectors {
		if err := fw.Write(v); err != nil {
			_ = fw.Close()
			return err
		}
	}
	return fw.Close()
}

// WriteIntsFile writes integer records (typically ground truth) to path.
func WriteIntsFile(path string, rows [][]int32) error {
	if len(rows) == 0 {
		return fmt.Errorf("dataset: refusing to write empty dataset %s", path)
	}
	fw, err := Create(path, len(rows[0]), len(rows))
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := fw.WriteInts(r); err != nil {
			_ = fw.Close()
			return err
		}
	}
	return fw.Close()
}
