// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gzi implements the .gzi offset index used for random access
// into BGZF compressed files by uncompressed offset.
//
// The index is an ordered table of (compressed offset, uncompressed
// offset) pairs recording the start of every block except the first,
// whose offsets are implicitly zero. On disk the table is a little
// endian uint64 entry count followed by the entry pairs, also little
// endian uint64.
package gzi

import (
	"encoding/binary"
	"errors"
	"io"
	"sort"

	"github.com/htsio/bgzf"
)

var (
	// ErrMalformed is returned when an index cannot be parsed or
	// its entries are not ordered.
	ErrMalformed = errors.New("gzi: malformed index")

	// ErrOffset is returned when an offset cannot be translated by
	// the index.
	ErrOffset = errors.New("gzi: offset out of range")
)

// Filename returns the conventional index file name for the BGZF file
// at path.
func Filename(path string) string { return path + ".gzi" }

// An Entry records the start of one block as its offset in the
// compressed stream and the offset of its first byte in the
// decompressed data.
type Entry struct {
	CompressedOffset   uint64
	UncompressedOffset uint64
}

// Index is an offset index over a BGZF file. The zero value is an
// empty index describing a file of at most one block.
type Index struct {
	entries []Entry
}

// Entries returns the index entries in offset order. The returned
// slice must not be modified.
func (x *Index) Entries() []Entry { return x.entries }

// Len returns the number of entries held by the index.
func (x *Index) Len() int { return len(x.entries) }

// ReadFrom reads the binary representation of an index from r,
// replacing the receiver's entries. It implements io.ReaderFrom.
// A short read or out of order entries result in ErrMalformed.
func (x *Index) ReadFrom(r io.Reader) (int64, error) {
	var buf [16]byte
	n, err := io.ReadFull(r, buf[:8])
	if err != nil {
		return int64(n), malformed(err)
	}
	count := binary.LittleEndian.Uint64(buf[:8])
	tot := int64(n)
	entries := make([]Entry, 0, min(count, 1<<16))
	var last Entry
	for i := uint64(0); i < count; i++ {
		n, err := io.ReadFull(r, buf[:])
		tot += int64(n)
		if err != nil {
			return tot, malformed(err)
		}
		e := Entry{
			CompressedOffset:   binary.LittleEndian.Uint64(buf[:8]),
			UncompressedOffset: binary.LittleEndian.Uint64(buf[8:]),
		}
		if i != 0 && (e.CompressedOffset <= last.CompressedOffset || e.UncompressedOffset < last.UncompressedOffset) {
			return tot, ErrMalformed
		}
		entries = append(entries, e)
		last = e
	}
	x.entries = entries
	return tot, nil
}

// WriteTo writes the binary representation of the index to w. It
// implements io.WriterTo.
func (x *Index) WriteTo(w io.Writer) (int64, error) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(x.entries)))
	n, err := w.Write(buf[:8])
	tot := int64(n)
	if err != nil {
		return tot, err
	}
	for _, e := range x.entries {
		binary.LittleEndian.PutUint64(buf[:8], e.CompressedOffset)
		binary.LittleEndian.PutUint64(buf[8:], e.UncompressedOffset)
		n, err = w.Write(buf[:])
		tot += int64(n)
		if err != nil {
			return tot, err
		}
	}
	return tot, nil
}

func malformed(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrMalformed
	}
	return err
}

var errStopScan = errors.New("gzi: stop scan")

// Build rebuilds the index of the BGZF stream read from r by scanning
// its block framing without decompressing any data. Scanning stops at
// the first empty block or the end of the stream.
func Build(r io.Reader) (*Index, error) {
	x := &Index{}
	var (
		u     uint64
		first = true
	)
	err := bgzf.Scan(r, func(bi bgzf.BlockInfo) error {
		if bi.ISize == 0 {
			return errStopScan
		}
		if !first {
			x.entries = append(x.entries, Entry{
				CompressedOffset:   uint64(bi.Base),
				UncompressedOffset: u,
			})
		}
		first = false
		u += uint64(bi.ISize)
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, err
	}
	return x, nil
}

// VirtualOffset returns the virtual offset addressing the byte at
// uncompressed position u.
func (x *Index) VirtualOffset(u uint64) uint64 {
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].UncompressedOffset > u
	})
	var e Entry
	if i > 0 {
		e = x.entries[i-1]
	}
	return e.CompressedOffset<<16 | (u-e.UncompressedOffset)&0xffff
}

// UncompressedOffset returns the uncompressed position of the byte
// addressed by the virtual offset vo. It fails with ErrOffset if vo
// does not point into a block recorded by the index.
func (x *Index) UncompressedOffset(vo uint64) (uint64, error) {
	c := vo >> 16
	if c == 0 {
		return vo & 0xffff, nil
	}
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].CompressedOffset >= c
	})
	if i == len(x.entries) || x.entries[i].CompressedOffset != c {
		return 0, ErrOffset
	}
	return x.entries[i].UncompressedOffset + vo&0xffff, nil
}

// A Builder accumulates index entries for blocks as they are written
// by a bgzf.Writer. Register it with the writer's SetListener and
// collect the finished index with Index after the writer has been
// closed.
type Builder struct {
	entries []Entry
}

// BlockWritten implements bgzf.BlockListener.
func (b *Builder) BlockWritten(ev bgzf.BlockEvent) {
	b.entries = append(b.entries, Entry{
		CompressedOffset:   uint64(ev.CompressedEnd),
		UncompressedOffset: uint64(ev.UncompressedEnd),
	})
}

// Index returns the accumulated index. The final recorded boundary
// points past the last data block and is dropped.
func (b *Builder) Index() *Index {
	n := len(b.entries)
	if n > 0 {
		n--
	}
	return &Index{entries: append([]Entry(nil), b.entries[:n]...)}
}
