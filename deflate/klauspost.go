// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package deflate

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// Klauspost is a Backend built on github.com/klauspost/compress/flate.
// It is the default backend used by the bgzf package.
type Klauspost struct{}

func (Klauspost) NewCompressor() Compressor     { return &kpCompressor{} }
func (Klauspost) NewDecompressor() Decompressor { return &kpDecompressor{} }

type kpCompressor struct {
	w     *flate.Writer
	level int
	buf   bytes.Buffer
}

func (c *kpCompressor) Compress(dst, src []byte, level int) ([]byte, error) {
	if !validLevel(level) {
		return nil, ErrLevel
	}
	c.buf.Reset()
	if c.w == nil || c.level != level {
		w, err := flate.NewWriter(&c.buf, level)
		if err != nil {
			return nil, err
		}
		c.w = w
		c.level = level
	} else {
		c.w.Reset(&c.buf)
	}
	if _, err := c.w.Write(src); err != nil {
		return nil, err
	}
	if err := c.w.Close(); err != nil {
		return nil, err
	}
	return append(dst, c.buf.Bytes()...), nil
}

type kpDecompressor struct {
	r   io.ReadCloser
	src bytes.Reader
}

func (d *kpDecompressor) Decompress(dst, src []byte) (int, error) {
	d.src.Reset(src)
	if d.r == nil {
		d.r = flate.NewReader(&d.src)
	} else if err := d.r.(flate.Resetter).Reset(&d.src, nil); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(d.r, dst)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return n, ErrData
		}
		return n, err
	}
	// The stream must end exactly at the expected length.
	var tail [1]byte
	if m, err := d.r.Read(tail[:]); m != 0 || err != io.EOF {
		return n, ErrData
	}
	return n, nil
}
