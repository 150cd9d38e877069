// Package dataset decodes and encodes raw binary vector files.
//
// Two families of framing are supported, little-endian throughout:
//
//   - Per-record-prefixed (fvecs, ivecs, bvecs): every record is an int32 dimension D
//     followed by D values of 4-byte float, 4-byte int or 1-byte unsigned respectively.
//   - Global-header (fbin, ibin): one header of two int32 (count, dimension) followed by
//     count records of dimension raw 4-byte values.
//
// Any framing may additionally be wrapped in gzip (.gz), zstd (.zst) or lz4 (.lz4).
// Compressed files are sequential-only: reaching record i means decompressing every
// record before it, so random access into a compressed file costs O(i).
package dataset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Framing is the byte-level record layout of a vector file.
type Framing uint8

const (
	// FVecs is [int32 D][D x float32] per record.
	FVecs Framing = iota + 1
	// IVecs is [int32 D][D x int32] per record.
	IVecs
	// BVecs is [int32 D][D x uint8] per record, widened to float32 on decode.
	BVecs
	// FBin is [int32 count][int32 D] once, then count x [D x float32].
	FBin
	// IBin is [int32 count][int32 D] once, then count x [D x int32].
	IBin
)

func (f Framing) String() string {
	switch f {
	case FVecs:
		return "fvecs"
	case IVecs:
		return "ivecs"
	case BVecs:
		return "bvecs"
	case FBin:
		return "fbin"
	case IBin:
		return "ibin"
	default:
		return fmt.Sprintf("framing(%d)", uint8(f))
	}
}

// ElementWidth returns the byte width of one stored component.
func (f Framing) ElementWidth() int {
	if f == BVecs {
		return 1
	}
	return 4
}

// HasGlobalHeader reports whether the file starts with a (count, dimension) header.
func (f Framing) HasGlobalHeader() bool {
	return f == FBin || f == IBin
}

// IsInteger reports whether records hold int32 components.
func (f Framing) IsInteger() bool {
	return f == IVecs || f == IBin
}

// HeaderSize is the number of bytes preceding the first record.
func (f Framing) HeaderSize() int64 {
	if f.HasGlobalHeader() {
		return 8
	}
	return 0
}

// RecordSize is the encoded byte size of one record of dimension dim.
func (f Framing) RecordSize(dim int) int64 {
	body := int64(dim) * int64(f.ElementWidth())
	if f.HasGlobalHeader() {
		return body
	}
	return 4 + body
}

// Compression identifies a stream wrapper around a framing.
type Compression uint8

const (
	// None is a plain, seekable file.
	None Compression = iota
	// Gzip wraps the stream in gzip.
	Gzip
	// Zstd wraps the stream in zstd.
	Zstd
	// LZ4 wraps the stream in the lz4 frame format.
	LZ4
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Format is a framing plus its optional compression.
type Format struct {
	Framing     Framing
	Compression Compression
}

// Compressed reports whether the format forfeits random access.
func (f Format) Compressed() bool { return f.Compression != None }

func (f Format) String() string {
	if f.Compression == None {
		return f.Framing.String()
	}
	return f.Framing.String() + "+" + f.Compression.String()
}

var compressionSuffixes = map[string]Compression{
	".gz":  Gzip,
	".zst": Zstd,
	".lz4": LZ4,
}

var framingSuffixes = map[string]Framing{
	".fvecs": FVecs,
	".ivecs": IVecs,
	".bvecs": BVecs,
	".fbin":  FBin,
	".ibin":  IBin,
}

// Detect derives the format of path from its suffixes, e.g. "base.fbin.gz".
func Detect(path string) (Format, error) {
	name := strings.ToLower(filepath.Base(path))

	var f Format
	if c, ok := compressionSuffixes[filepath.Ext(name)]; ok {
		f.Compression = c
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}

	fr, ok := framingSuffixes[filepath.Ext(name)]
	if !ok {
		return Format{}, fmt.Errorf("%w: %s", ErrUnknownFraming, path)
	}
	f.Framing = fr

	return f, nil
}
