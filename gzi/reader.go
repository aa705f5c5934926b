// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gzi

import (
	"errors"
	"io"

	"github.com/htsio/bgzf"
)

// Reader presents the decompressed data of a BGZF stream as an
// io.ReadSeeker addressed by uncompressed offsets, using an Index to
// translate seek targets into virtual offsets.
type Reader struct {
	bg *bgzf.Reader
	x  *Index

	pos     int64
	pending bool
	size    int64
}

// NewReader returns a Reader over bg using the index x. The index must
// describe the stream read by bg.
func NewReader(bg *bgzf.Reader, x *Index) *Reader {
	return &Reader{bg: bg, x: x, size: -1}
}

// Size returns the total uncompressed size of the stream. It is
// computed on first use by decoding the final block, which moves the
// underlying reader.
func (r *Reader) Size() (int64, error) {
	if r.size >= 0 {
		return r.size, nil
	}
	var last Entry
	if n := len(r.x.entries); n > 0 {
		last = r.x.entries[n-1]
	}
	if err := r.bg.Seek(last.CompressedOffset << 16); err != nil {
		return 0, err
	}
	n, err := io.Copy(io.Discard, r.bg)
	if err != nil {
		return 0, err
	}
	r.size = int64(last.UncompressedOffset) + n
	r.pending = true
	return r.size, nil
}

// Seek implements io.Seeker over the uncompressed data. The resolved
// position takes effect at the next Read.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		size, err := r.Size()
		if err != nil {
			return 0, err
		}
		abs = size + offset
	default:
		return 0, errors.New("gzi: invalid whence")
	}
	if abs < 0 {
		return 0, ErrOffset
	}
	r.pos = abs
	r.pending = true
	return abs, nil
}

// Read implements io.Reader over the uncompressed data.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pending {
		if r.size >= 0 && r.pos >= r.size {
			return 0, io.EOF
		}
		err := r.bg.Seek(r.x.VirtualOffset(uint64(r.pos)))
		if err != nil {
			if errors.Is(err, bgzf.ErrOffset) {
				// The target lies at or beyond the end of
				// the final block.
				return 0, io.EOF
			}
			return 0, err
		}
		r.pending = false
	}
	n, err := r.bg.Read(p)
	r.pos += int64(n)
	return n, err
}
