package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Info describes an opened vector file.
type Info struct {
	Path       string
	Format     Format
	Dimension  int
	Count      int
	RecordSize int64
}

// Offset returns the byte offset of record i in an uncompressed file.
func (i Info) Offset(index int) int64 {
	return i.Format.Framing.HeaderSize() + int64(index)*i.RecordSize
}

// FileReader is a Reader bound to an open file.
type FileReader struct {
	*Reader
	dec  io.ReadCloser
	file *os.File
}

// Open opens path for sequential decoding, detecting framing and compression from
// its suffix.
func Open(path string) (*FileReader, error) {
	return OpenWrapped(path, nil)
}

// OpenWrapped is Open with wrap applied to the raw file stream before decompression.
func OpenWrapped(path string, wrap func(io.Reader) io.Reader) (*FileReader, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // G304: path is caller supplied
	if err != nil {
		return nil, err
	}
	var src io.Reader = f
	if wrap != nil {
		src = wrap(f)
	}
	dec, err := Decompress(src, format.Compression)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r, err := NewReader(dec, format.Framing)
	if err != nil {
		_ = dec.Close()
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &FileReader{Reader: r, dec: dec, file: f}, nil
}

// Close releases the decoder and the file.
func (fr *FileReader) Close() error {
	return errors.Join(fr.dec.Close(), fr.file.Close())
}

// Dimension reads only the first header or record of path and returns the dataset
// dimension.
func Dimension(path string) (int, error) {
	fr, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer fr.Close()
	return fr.Reader.Dimension(), nil
}

// Inspect computes the handle metadata of path. limit caps the record count when
// positive.
//
// Uncompressed counts derive from the file size. Compressed files are scanned once,
// stopping early at limit.
func Inspect(path string, limit int) (Info, error) {
	fr, err := Open(path)
	if err != nil {
		return Info{}, err
	}
	defer fr.Close()

	info := Info{
		Path:       path,
		Dimension:  fr.Reader.Dimension(),
		RecordSize: fr.RecordSize(),
	}
	info.Format, _ = Detect(path)

	if info.Dimension == 0 {
		return info, nil
	}

	if !info.Format.Compressed() {
		st, err := fr.file.Stat()
		if err != nil {
			return Info{}, err
		}
		count := int((st.Size() - info.Format.Framing.HeaderSize()) / info.RecordSize)
		if hc, ok := fr.HeaderCount(); ok {
			count = min(count, hc)
		}
		if limit > 0 {
			count = min(count, limit)
		}
		info.Count = count
		return info, nil
	}

	for limit <= 0 || info.Count < limit {
		if err := fr.Skip(1); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Info{}, fmt.Errorf("%s: %w", path, err)
		}
		info.Count++
	}
	return info, nil
}

// ReadRecordAt decodes record i of an uncompressed file through r.
func ReadRecordAt(r io.ReaderAt, info Info, i int) ([]float32, error) {
	b := make([]byte, info.RecordSize)
	n, err := r.ReadAt(b, info.Offset(i))
	if int64(n) < info.RecordSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, &ErrTruncatedRecord{Record: i, cause: err}
	}

	body := b
	if !info.Format.Framing.HasGlobalHeader() {
		if d := int(int32(binary.LittleEndian.Uint32(b))); d != info.Dimension {
			return nil, &ErrDimensionMismatch{Record: i, Expected: info.Dimension, Actual: d}
		}
		body = b[4:]
	}
	return decodeFloats(info.Format.Framing, body, info.Dimension), nil
}

// ReadAll decodes up to limit records (all when limit <= 0) from path.
func ReadAll(path string, limit int) ([][]float32, error) {
	fr, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	var out [][]float32
	for limit <= 0 || len(out) < limit {
		v, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadAllInts decodes up to limit integer records (all when limit <= 0) from path.
func ReadAllInts(path string, limit int) ([][]int32, error) {
	fr, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	var out [][]int32
	for limit <= 0 || len(out) < limit {
		v, err := fr.NextInts()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, v)
	}
	return out, nil
}
