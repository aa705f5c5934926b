// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf

// A Block is the decompressed payload of one BGZF member together with
// its framing extents in the compressed stream.
type Block struct {
	// Base is the file offset of the first byte of the gzip member
	// the Block was decompressed from.
	Base int64

	// Size is the framed size of the member in the compressed
	// stream, so Base+Size is the offset of the next member.
	Size int

	// Data is the decompressed payload.
	Data []byte
}

// NextBase returns the file offset of the block following b.
func (b *Block) NextBase() int64 { return b.Base + int64(b.Size) }

// Cache is a Block caching type. A basic cache implementation is
// provided in the cache package.
type Cache interface {
	// Get returns the Block in the Cache with the specified base
	// or nil if it does not exist. The returned Block is removed
	// from the Cache.
	Get(base int64) *Block

	// Put inserts a Block into the Cache, returning the Block that
	// was evicted or nil if no eviction was necessary and a boolean
	// indicating whether the put Block was retained by the Cache.
	Put(*Block) (evicted *Block, retained bool)
}
