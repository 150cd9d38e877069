package provider

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hupe1980/annbench/dataset"
	"github.com/hupe1980/annbench/resource"
)

var (
	vectorsBucket = []byte("vectors")
	metaBucket    = []byte("meta")
)

const boltBatchSize = 10_000

// Bolt serves records from a persistent bbolt store keyed by big-endian record index.
//
// The store remembers the source file (path, size, modification time) and record limit
// it was filled from. A matching store is reused as-is; otherwise it is rebuilt.
type Bolt struct {
	db   *bolt.DB
	size int
	dim  int
}

// OpenBolt opens or populates the bbolt store for path.
func OpenBolt(ctx context.Context, path string, limit int, opts ...Option) (*Bolt, error) {
	o := newOptions(opts)
	storePath := o.storePath
	if storePath == "" {
		storePath = path + ".bolt"
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	stamp := sourceStamp(path, st, limit)

	db, err := bolt.Open(storePath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("provider: opening store %s: %w", storePath, err)
	}

	b := &Bolt{db: db}
	reused, err := b.loadMeta(stamp)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if reused {
		o.logger.InfoContext(ctx, "reusing persistent vector store",
			"store", storePath,
			"count", b.size,
			"dimension", b.dim,
		)
		return b, nil
	}

	if err := o.controller.AcquireLoad(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	defer o.controller.ReleaseLoad()

	start := time.Now()
	if err := b.populate(ctx, path, limit, stamp, o.controller); err != nil {
		_ = db.Close()
		return nil, err
	}
	o.logger.InfoContext(ctx, "persistent vector store populated",
		"store", storePath,
		"source", path,
		"count", b.size,
		"dimension", b.dim,
		"elapsed", time.Since(start),
	)
	return b, nil
}

func sourceStamp(path string, st os.FileInfo, limit int) []byte {
	return []byte(path + "|" + strconv.FormatInt(st.Size(), 10) + "|" +
		strconv.FormatInt(st.ModTime().UnixNano(), 10) + "|" + strconv.Itoa(limit))
}

func (b *Bolt) loadMeta(stamp []byte) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		m := tx.Bucket(metaBucket)
		if m == nil || tx.Bucket(vectorsBucket) == nil {
			return nil
		}
		if !bytes.Equal(m.Get([]byte("source")), stamp) {
			return nil
		}
		count, dim := m.Get([]byte("count")), m.Get([]byte("dim"))
		if len(count) != 8 || len(dim) != 8 {
			return nil
		}
		b.size = int(binary.BigEndian.Uint64(count))
		b.dim = int(binary.BigEndian.Uint64(dim))
		ok = true
		return nil
	})
	return ok, err
}

func (b *Bolt) populate(ctx context.Context, path string, limit int, stamp []byte, ctrl *resource.Controller) error {
	fr, err := dataset.OpenWrapped(path, func(r io.Reader) io.Reader {
		return resource.NewThrottledReader(ctx, r, ctrl)
	})
	if err != nil {
		return err
	}
	defer fr.Close()

	err = b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{vectorsBucket, metaBucket} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}
		_, err := tx.CreateBucket(vectorsBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("provider: resetting store: %w", err)
	}

	b.dim = fr.Reader.Dimension()
	b.size = 0
	done := false
	for !done {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(vectorsBucket)
			for range boltBatchSize {
				if limit > 0 && b.size >= limit {
					done = true
					return nil
				}
				v, err := fr.Next()
				if errors.Is(err, io.EOF) {
					done = true
					return nil
				}
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := bucket.Put(indexKey(b.size), encodeVector(v)); err != nil {
					return err
				}
				b.size++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		m, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(b.size))
		if err := m.Put([]byte("count"), bytes.Clone(buf[:])); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(buf[:], uint64(b.dim))
		if err := m.Put([]byte("dim"), bytes.Clone(buf[:])); err != nil {
			return err
		}
		return m.Put([]byte("source"), stamp)
	})
}

// Get looks record i up in the store.
func (b *Bolt) Get(i int) ([]float32, error) {
	if err := dataset.CheckIndex(i, b.size); err != nil {
		return nil, err
	}
	var out []float32
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(vectorsBucket).Get(indexKey(i))
		if raw == nil {
			return fmt.Errorf("provider: record %d missing from store", i)
		}
		out = decodeVector(raw)
		return nil
	})
	return out, err
}

// Size returns the number of stored records.
func (b *Bolt) Size() int { return b.size }

// Dimension returns the record dimension.
func (b *Bolt) Dimension() int { return b.dim }

// Close closes the store; the file stays on disk for the next run.
func (b *Bolt) Close() error { return b.db.Close() }

func indexKey(i int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// decodeVector copies out of bbolt's mmap, which is only valid inside the transaction.
func decodeVector(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
