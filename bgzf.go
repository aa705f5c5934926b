// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bgzf implements BGZF format reading and writing, according
// to the SAM specification.
//
// BGZF is a restriction of the gzip format in which the payload is
// split into gzip members no larger than 64kB, each carrying its own
// compressed size in an extra header subfield. The format allows
// random access into the compressed stream via 64 bit virtual offsets
// that combine the file offset of a member with a byte offset inside
// its decompressed data.
//
// See https://samtools.github.io/hts-specs/SAMv1.pdf for the BGZF
// specification and the hts-specs repository for discussion.
package bgzf

import (
	"errors"
	"io"
	"os"
)

const (
	// BlockSize is the size of an uncompressed input data block.
	// It is chosen below MaxBlockSize so that incompressible input
	// plus DEFLATE and framing overhead still fits in one block.
	BlockSize = 0x0ff00

	// MaxBlockSize is the maximum size of a complete compressed
	// block and of a block's decompressed data.
	MaxBlockSize = 0x10000
)

const (
	// Fixed gzip header fields for written blocks: magic, DEFLATE,
	// FEXTRA, zero MTIME, zero XFL, unknown OS, XLEN=6.
	headerSize  = 12
	extraSize   = 6
	trailerSize = 8
	frameSize   = headerSize + extraSize + trailerSize

	// magicBlock is the canonical EOF marker.
	magicBlock = "\x1f\x8b\x08\x04\x00\x00\x00\x00\x00\xff\x06\x00\x42\x43\x02\x00\x1b\x00\x03\x00\x00\x00\x00\x00\x00\x00\x00\x00"
)

// EOFMarker is the canonical empty block whose presence at the end of
// a file indicates a complete BGZF stream.
var EOFMarker = []byte(magicBlock)

var (
	// ErrClosed is returned by operations on a closed Writer.
	ErrClosed = errors.New("bgzf: use of closed writer")

	// ErrBlockOverflow is returned when the framed representation of
	// a block would exceed MaxBlockSize.
	ErrBlockOverflow = errors.New("bgzf: block overflow")

	// ErrMalformedHeader is returned when a gzip member header is
	// structurally invalid.
	ErrMalformedHeader = errors.New("bgzf: malformed gzip header")

	// ErrNoBlockSize is returned when a well formed gzip member does
	// not carry the BGZF BC extra subfield.
	ErrNoBlockSize = errors.New("bgzf: could not determine block size")

	// ErrChecksum is returned when a decompressed block does not
	// match its stored CRC32.
	ErrChecksum = errors.New("bgzf: checksum error")

	// ErrLengthMismatch is returned when a block's decompressed
	// length disagrees with its stored input size.
	ErrLengthMismatch = errors.New("bgzf: uncompressed length mismatch")

	// ErrNoEOF is returned by HasEOF when a file does not end with
	// the EOF marker block.
	ErrNoEOF = errors.New("bgzf: missing EOF marker block")

	// ErrOffset is returned when a virtual offset points outside the
	// decompressed data of its block.
	ErrOffset = errors.New("bgzf: offset out of range")

	// ErrNotASeeker is returned by Seek when the underlying source
	// is not an io.ReadSeeker.
	ErrNotASeeker = errors.New("bgzf: not a seeker")

	// ErrWrongFileType is returned by HasEOF when f is a directory.
	ErrWrongFileType = errors.New("bgzf: file is a directory")

	// ErrCorrupt is returned when a block frame is shorter than its
	// recorded size allows.
	ErrCorrupt = errors.New("bgzf: corrupt block")
)

// compressBound is an upper bound on the framed size of a block
// holding n bytes of input, assuming the backend falls back to stored
// DEFLATE blocks for incompressible data.
func compressBound(n int) int {
	return n + n>>12 + n>>14 + n>>25 + 13 + frameSize
}

func init() {
	if compressBound(BlockSize) > MaxBlockSize {
		panic("bgzf: BlockSize too large")
	}
}

// HasEOF checks for the presence of a BGZF magic EOF block at the end
// of f. The magic block is defined in the SAM specification. A true
// result indicates the file is a complete, untruncated BGZF stream.
func HasEOF(f *os.File) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	if fi.IsDir() {
		return false, ErrWrongFileType
	}
	return HasEOFAt(f, fi.Size())
}

// HasEOFAt checks for the magic EOF block at the end of the size
// bytes readable from r.
func HasEOFAt(r io.ReaderAt, size int64) (bool, error) {
	if size < int64(len(magicBlock)) {
		return false, nil
	}
	b := make([]byte, len(magicBlock))
	_, err := r.ReadAt(b, size-int64(len(magicBlock)))
	if err != nil {
		return false, err
	}
	return string(b) == magicBlock, nil
}

// makeVirtualOffset combines a compressed file offset and an offset
// within the block's decompressed data into a virtual offset.
func makeVirtualOffset(base int64, block uint16) uint64 {
	return uint64(base)<<16 | uint64(block)
}
