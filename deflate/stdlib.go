// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package deflate

import (
	"bytes"
	"compress/flate"
	"io"
)

// Stdlib is a Backend built on the standard library's compress/flate.
// It exists to demonstrate backend plurality and as a fallback where
// bit-identical output from the Go distribution's encoder is wanted.
type Stdlib struct{}

func (Stdlib) NewCompressor() Compressor     { return &stdCompressor{} }
func (Stdlib) NewDecompressor() Decompressor { return &stdDecompressor{} }

type stdCompressor struct {
	w     *flate.Writer
	level int
	buf   bytes.Buffer
}

func (c *stdCompressor) Compress(dst, src []byte, level int) ([]byte, error) {
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

type stdDecompressor struct {
	r   io.ReadCloser
	src bytes.Reader
}

func (d *stdDecompressor) Decompress(dst, src []byte) (int, error) {
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
	var tail [1]byte
	if m, err := d.r.Read(tail[:]); m != 0 || err != io.EOF {
		return n, ErrData
	}
	return n, nil
}
