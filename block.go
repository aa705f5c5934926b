// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf

import (
	"encoding/binary"
	"io"

	"github.com/htsio/bgzf/deflate"
)

// gzip header flag bits.
const (
	flagText    = 1 << 0
	flagHdrCRC  = 1 << 1
	flagExtra   = 1 << 2
	flagName    = 1 << 3
	flagComment = 1 << 4
)

// frame is one BGZF block as framed in the compressed stream, before
// decompression. base is the file offset of the member's first byte
// and size its total framed length, so base+size is the offset of the
// next member.
type frame struct {
	base  int64
	size  int
	cdata []byte
	crc32 uint32
	isize uint32
}

// readFrame parses a single gzip member header from r, locates the BC
// extra subfield and reads the compressed payload and trailer. It
// performs no decompression. On entry r must be positioned at the
// first byte of a member; base is that position in the stream.
//
// Subfields other than BC are skipped. Name, comment and header CRC
// fields are tolerated on read although BGZF writers never emit them.
func readFrame(r io.Reader, base int64) (*frame, error) {
	var h [10]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	if h[0] != 0x1f || h[1] != 0x8b {
		return nil, ErrMalformedHeader
	}
	if h[2] != 0x08 {
		return nil, ErrMalformedHeader
	}
	flg := h[3]
	if flg&^(flagText|flagHdrCRC|flagExtra|flagName|flagComment) != 0 {
		return nil, ErrMalformedHeader
	}

	hdrLen := len(h)
	bsize := -1
	if flg&flagExtra != 0 {
		var x [2]byte
		if _, err := io.ReadFull(r, x[:]); err != nil {
			return nil, noEOF(err)
		}
		xlen := int(binary.LittleEndian.Uint16(x[:]))
		hdrLen += 2 + xlen
		for xlen > 0 {
			if xlen < 4 {
				return nil, ErrMalformedHeader
			}
			var sf [4]byte
			if _, err := io.ReadFull(r, sf[:]); err != nil {
				return nil, noEOF(err)
			}
			slen := int(binary.LittleEndian.Uint16(sf[2:]))
			xlen -= 4
			if slen > xlen {
				return nil, ErrMalformedHeader
			}
			data := make([]byte, slen)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, noEOF(err)
			}
			xlen -= slen
			if sf[0] == 'B' && sf[1] == 'C' && slen == 2 {
				bsize = int(binary.LittleEndian.Uint16(data)) + 1
			}
		}
	}
	if flg&flagName != 0 {
		n, err := skipString(r)
		if err != nil {
			return nil, err
		}
		hdrLen += n
	}
	if flg&flagComment != 0 {
		n, err := skipString(r)
		if err != nil {
			return nil, err
		}
		hdrLen += n
	}
	if flg&flagHdrCRC != 0 {
		var c [2]byte
		if _, err := io.ReadFull(r, c[:]); err != nil {
			return nil, noEOF(err)
		}
		hdrLen += 2
	}

	if bsize < 0 {
		return nil, ErrNoBlockSize
	}
	clen := bsize - hdrLen - trailerSize
	if clen < 0 || bsize > MaxBlockSize {
		return nil, ErrMalformedHeader
	}

	f := &frame{base: base, size: bsize, cdata: make([]byte, clen)}
	if _, err := io.ReadFull(r, f.cdata); err != nil {
		return nil, noEOF(err)
	}
	var t [trailerSize]byte
	if _, err := io.ReadFull(r, t[:]); err != nil {
		return nil, noEOF(err)
	}
	f.crc32 = binary.LittleEndian.Uint32(t[:4])
	f.isize = binary.LittleEndian.Uint32(t[4:])
	if f.isize > MaxBlockSize {
		return nil, ErrCorrupt
	}
	return f, nil
}

// noEOF converts io.EOF and io.ErrUnexpectedEOF seen mid-frame into
// ErrCorrupt; a member must not end early once its header has begun.
func noEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrCorrupt
	}
	return err
}

func skipString(r io.Reader) (int, error) {
	var c [1]byte
	for n := 1; ; n++ {
		if _, err := io.ReadFull(r, c[:]); err != nil {
			return n, noEOF(err)
		}
		if c[0] == 0 {
			return n, nil
		}
	}
}

// decode decompresses the frame payload using d and verifies the
// trailer. The returned slice has length f.isize.
func (f *frame) decode(d deflate.Decompressor) ([]byte, error) {
	data := make([]byte, f.isize)
	n, err := d.Decompress(data, f.cdata)
	if err != nil {
		if err == deflate.ErrData {
			return nil, ErrLengthMismatch
		}
		return nil, err
	}
	if n != int(f.isize) {
		return nil, ErrLengthMismatch
	}
	if deflate.CRC32(data) != f.crc32 {
		return nil, ErrChecksum
	}
	return data, nil
}

// A BlockInfo describes the extents of one block in a BGZF stream.
type BlockInfo struct {
	// Base is the file offset of the block's first byte.
	Base int64

	// Size is the framed size of the block.
	Size int

	// ISize is the size of the block's decompressed data.
	ISize int
}

// Scan reads successive block frames from r without decompressing
// them, calling fn for each. Scanning stops at the end of the stream,
// on a malformed frame, or when fn returns a non-nil error, which is
// returned to the caller.
func Scan(r io.Reader, fn func(BlockInfo) error) error {
	var off int64
	for {
		f, err := readFrame(r, off)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = fn(BlockInfo{Base: f.base, Size: f.size, ISize: int(f.isize)})
		if err != nil {
			return err
		}
		off = f.base + int64(f.size)
	}
}

// appendBlock frames src as one complete BGZF block appended to dst,
// compressing with c at the given level.
func appendBlock(c deflate.Compressor, dst, src []byte, level int) ([]byte, error) {
	if len(src) > BlockSize {
		return dst, ErrBlockOverflow
	}
	start := len(dst)
	dst = append(dst,
		0x1f, 0x8b, 0x08, flagExtra,
		0, 0, 0, 0, // MTIME
		0, 0xff, // XFL, OS
		extraSize, 0, // XLEN
		'B', 'C', 2, 0,
		0, 0, // BSIZE, patched below.
	)
	dst, err := c.Compress(dst, src, level)
	if err != nil {
		return dst[:start], err
	}
	bsize := len(dst) - start + trailerSize
	if bsize > MaxBlockSize {
		return dst[:start], ErrBlockOverflow
	}
	binary.LittleEndian.PutUint16(dst[start+headerSize+4:], uint16(bsize-1))
	dst = binary.LittleEndian.AppendUint32(dst, deflate.CRC32(src))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(src)))
	return dst, nil
}
