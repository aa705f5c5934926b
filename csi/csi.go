// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package csi implements the binning arithmetic shared by the CSI and
// Tabix coordinate sorted index formats.
//
// A binning scheme divides a coordinate axis into a hierarchy of
// intervals: at the deepest level each bin spans 1<<MinShift
// positions, and each level above groups eight bins of the level
// below. Bin numbers identify nodes of this hierarchy and are fully
// determined by the scheme's minimum shift and depth.
package csi

const nextBinShift = 3

const (
	// DefaultShift is the default minimum shift of a binning scheme.
	DefaultShift = 14

	// DefaultDepth is the default depth of a binning scheme.
	DefaultDepth = 5
)

// A Scheme describes the geometry of a bin hierarchy.
type Scheme struct {
	MinShift uint32
	Depth    uint32
}

// Default is the binning scheme used by BAI and Tabix indices.
var Default = Scheme{MinShift: DefaultShift, Depth: DefaultDepth}

// New returns a Scheme with the given minimum shift and depth, using
// the defaults for zero values.
func New(minShift, depth uint32) Scheme {
	if minShift == 0 {
		minShift = DefaultShift
	}
	if depth == 0 {
		depth = DefaultDepth
	}
	return Scheme{MinShift: minShift, Depth: depth}
}

// Bin returns the smallest bin containing the whole zero-based,
// half-open interval [beg, end). An empty interval maps to the root
// bin.
func (s Scheme) Bin(beg, end int64) uint32 {
	if end <= beg {
		return 0
	}
	end--
	sh := s.MinShift
	for level := s.Depth; level > 0; level-- {
		if offset := beg >> sh; offset == end>>sh {
			t := uint32((1<<(level*nextBinShift) - 1) / 7)
			return t + uint32(offset)
		}
		sh += nextBinShift
	}
	return 0
}

// Bins returns the numbers of all bins whose intervals intersect the
// zero-based, half-open interval [beg, end). The root bin is always
// included.
func (s Scheme) Bins(beg, end int64) []uint32 {
	if end <= beg {
		return []uint32{0}
	}
	end--
	var list []uint32
	sh := s.MinShift + s.Depth*nextBinShift
	for level, t := uint32(0), uint32(0); level <= s.Depth; level++ {
		b := t + uint32(beg>>sh)
		e := t + uint32(end>>sh)
		for i := b; i <= e; i++ {
			list = append(list, i)
		}
		sh -= nextBinShift
		t += 1 << (level * nextBinShift)
	}
	return list
}

// BinLimit returns the number of bins in the scheme's hierarchy; bin
// numbers lie in [0, BinLimit).
func (s Scheme) BinLimit() uint32 {
	return uint32((1<<((s.Depth+1)*nextBinShift) - 1) / 7)
}

// Parent returns the bin containing the whole of bin b at the level
// above, and the root bin for the root bin itself.
func (s Scheme) Parent(b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (b - 1) >> nextBinShift
}

// MaxPos returns the exclusive upper bound of positions addressable by
// the scheme.
func (s Scheme) MaxPos() int64 {
	return 1 << (s.MinShift + s.Depth*nextBinShift)
}

func validIndexPos(i int64, minShift, depth uint32) bool { // 0-based.
	return -1 <= i && i <= (1<<(minShift+depth*nextBinShift)-1)-1
}

// MinimumShiftFor returns the lowest minimum shift value that can be used to index
// the given maximum position with the given index depth.
func MinimumShiftFor(max int64, depth uint32) (uint32, bool) {
	for shift := uint32(0); shift < 32; shift++ {
		if validIndexPos(max, shift, depth) {
			return shift, true
		}
	}
	return 0, false
}

// MinimumDepthFor returns the lowest depth value that can be used to index
// the given maximum position with the given index minimum shift.
func MinimumDepthFor(max int64, shift uint32) (uint32, bool) {
	for depth := uint32(0); depth < 32; depth++ {
		if validIndexPos(max, shift, depth) {
			return depth, true
		}
	}
	return 0, false
}
