// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package deflate abstracts the raw DEFLATE codec used by the bgzf
// package so that the block framing code never depends on a specific
// compression library. Two backends are provided: Klauspost, built on
// github.com/klauspost/compress, and Stdlib, built on compress/flate.
package deflate

import (
	"errors"
	"hash/crc32"
)

// Compression levels. Levels between Store and Best are passed through
// to the backend unchanged; Default lets the backend choose.
const (
	Default = -1
	Store   = 0
	Fast    = 1
	Best    = 9
)

var (
	// ErrLevel is returned when a compression level is outside the
	// range accepted by the backend.
	ErrLevel = errors.New("deflate: invalid compression level")

	// ErrData is returned when a raw DEFLATE stream cannot be decoded.
	ErrData = errors.New("deflate: bad data")
)

// A Compressor encodes raw bytes as a raw DEFLATE stream, appending to
// dst and returning the extended slice. Implementations must accept
// the Store and Best levels as endpoints and must be safe to reuse
// sequentially; they need not be safe for concurrent use.
type Compressor interface {
	Compress(dst, src []byte, level int) ([]byte, error)
}

// A Decompressor decodes a raw DEFLATE stream into dst, which has
// exactly the expected decompressed length. It returns the number of
// bytes written; a short or overlong stream is an error.
type Decompressor interface {
	Decompress(dst, src []byte) (int, error)
}

// A Backend provides both directions of the codec. A Backend value is
// stateless per call; the bgzf worker pools give each worker its own
// scratch state via NewCompressor and NewDecompressor.
type Backend interface {
	// NewCompressor returns a Compressor with private scratch state.
	NewCompressor() Compressor
	// NewDecompressor returns a Decompressor with private scratch state.
	NewDecompressor() Decompressor
}

// CRC32 returns the IEEE CRC32 checksum of b, the checksum stored in
// each BGZF block trailer.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func validLevel(level int) bool {
	return Default <= level && level <= Best
}
