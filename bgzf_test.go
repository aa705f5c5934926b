// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf_test

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	. "github.com/htsio/bgzf"
	"github.com/htsio/bgzf/cache"
	"github.com/htsio/bgzf/deflate"
)

var conc = flag.Int("conc", 1, "sets the level of concurrency for compression")

// randomData returns size bytes of deterministic pseudo-random data,
// incompressible enough that every input block stands alone.
func randomData(size int) []byte {
	rnd := rand.New(rand.NewSource(1))
	b := make([]byte, size)
	rnd.Read(b)
	return b
}

func mustCompress(t *testing.T, data []byte, level, wc int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriterLevel(&buf, level, wc)
	if err != nil {
		t.Fatalf("NewWriterLevel: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func mustDecompress(t *testing.T, data []byte, rd int) []byte {
	t.Helper()
	r, err := NewReader(bytes.NewReader(data), rd)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return got
}

// TestEmpty tests that an empty payload still forms a valid BGZF stream.
func TestEmpty(t *testing.T) {
	buf := new(bytes.Buffer)

	if err := NewWriter(buf, *conc).Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), EOFMarker) {
		t.Errorf("empty stream is not the bare EOF marker: %x", buf.Bytes())
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()), *conc)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("got %d bytes, want 0", len(b))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Reader.Close: %v", err)
	}
}

// TestEOF tests HasEOF can find the EOF magic block.
func TestEOF(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "data")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("Create temp file: %v", err)
	}
	if err := NewWriter(f, *conc).Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("f.Close: %v", err)
	}

	f, err = os.Open(fname)
	if err != nil {
		t.Fatalf("Open temp file: %v", err)
	}
	ok, err := HasEOF(f)
	if err != nil {
		t.Errorf("HasEOF: %v", err)
	}
	if !ok {
		t.Error("expected EOF in complete file: not found")
	}
	f.Close()

	// A truncated file must not report a marker.
	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	short := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(short, data[:len(data)-1], 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err = os.Open(short)
	if err != nil {
		t.Fatalf("Open temp file: %v", err)
	}
	ok, err = HasEOF(f)
	if err != nil {
		t.Errorf("HasEOF: %v", err)
	}
	if ok {
		t.Error("unexpected EOF marker in truncated file")
	}
	f.Close()
}

// TestRoundTrip exercises the four combinations of sequential and
// parallel writer and reader over the same payload.
func TestRoundTrip(t *testing.T) {
	data := randomData(1 << 20)
	for _, wc := range []int{1, 4} {
		for _, rd := range []int{1, 4} {
			enc := mustCompress(t, data, deflate.Default, wc)
			got := mustDecompress(t, enc, rd)
			if !bytes.Equal(got, data) {
				t.Errorf("round trip failed for wc=%d rd=%d", wc, rd)
			}
		}
	}
}

// TestRoundTripLevels exercises the compression level endpoints.
func TestRoundTripLevels(t *testing.T) {
	data := randomData(3 * BlockSize)
	for _, level := range []int{deflate.Default, deflate.Store, deflate.Fast, deflate.Best} {
		enc := mustCompress(t, data, level, *conc)
		got := mustDecompress(t, enc, *conc)
		if !bytes.Equal(got, data) {
			t.Errorf("round trip failed for level=%d", level)
		}
	}
}

// TestParallelWriterDeterminism verifies that the parallel writer's
// output is byte-identical to the sequential writer's.
func TestParallelWriterDeterminism(t *testing.T) {
	data := randomData(1 << 20)
	serial := mustCompress(t, data, deflate.Default, 1)
	parallel := mustCompress(t, data, deflate.Default, 8)
	if !bytes.Equal(serial, parallel) {
		t.Error("parallel writer output differs from sequential writer output")
	}
}

// TestBlockStructure checks the framing of a small single-block file.
func TestBlockStructure(t *testing.T) {
	const line = "##fileformat=VCFv4.2\n"
	enc := mustCompress(t, []byte(line), deflate.Default, *conc)

	var infos []BlockInfo
	err := Scan(bytes.NewReader(enc), func(bi BlockInfo) error {
		infos = append(infos, bi)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d blocks, want 2", len(infos))
	}
	if infos[0].ISize != len(line) {
		t.Errorf("data block ISize=%d, want %d", infos[0].ISize, len(line))
	}
	if infos[1].ISize != 0 || infos[1].Size != len(EOFMarker) {
		t.Errorf("unexpected trailing block: %+v", infos[1])
	}
	if !bytes.HasSuffix(enc, EOFMarker) {
		t.Error("stream does not end with the EOF marker")
	}
	if len(enc) > 80 {
		t.Errorf("stream is %d bytes, want at most 80", len(enc))
	}

	got := mustDecompress(t, enc, *conc)
	if string(got) != line {
		t.Errorf("got %q, want %q", got, line)
	}
	// The marker must not appear in the interior of the stream.
	if i := bytes.Index(enc, EOFMarker); i != len(enc)-len(EOFMarker) {
		t.Errorf("EOF marker found in stream interior at %d", i)
	}
}

// TestBlockSizeInvariant checks that no produced block exceeds the
// format limits, even for incompressible input at the store level.
func TestBlockSizeInvariant(t *testing.T) {
	data := randomData(5 * BlockSize)
	for _, level := range []int{deflate.Default, deflate.Store} {
		enc := mustCompress(t, data, level, *conc)
		err := Scan(bytes.NewReader(enc), func(bi BlockInfo) error {
			if bi.Size > MaxBlockSize {
				t.Errorf("block at %d has framed size %d", bi.Base, bi.Size)
			}
			if bi.ISize > MaxBlockSize {
				t.Errorf("block at %d has decompressed size %d", bi.Base, bi.ISize)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
	}
}

// TestVirtualOffsets walks a multi-block stream recording virtual
// offsets, then seeks back to each and verifies both the data read and
// the offset arithmetic across block boundaries.
func TestVirtualOffsets(t *testing.T) {
	data := randomData(4*BlockSize + 1234)
	enc := mustCompress(t, data, deflate.Default, 1)

	for _, rd := range []int{1, 4} {
		r, err := NewReader(bytes.NewReader(enc), rd)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}

		const chunk = 1000
		type ref struct {
			vo   uint64
			data []byte
		}
		var refs []ref
		buf := make([]byte, chunk)
		for pos := 0; pos < len(data); pos += chunk {
			vo := r.VirtualOffset()
			n, err := io.ReadFull(r, buf)
			if err == io.ErrUnexpectedEOF {
				err = nil
			}
			if err != nil {
				t.Fatalf("ReadFull at %d: %v", pos, err)
			}
			refs = append(refs, ref{vo, append([]byte(nil), buf[:n]...)})
			if !bytes.Equal(buf[:n], data[pos:min(pos+chunk, len(data))]) {
				t.Fatalf("sequential read mismatch at %d", pos)
			}
		}

		for i := len(refs) - 1; i >= 0; i -= 7 {
			if err := r.Seek(refs[i].vo); err != nil {
				t.Fatalf("Seek(%#x): %v", refs[i].vo, err)
			}
			if vo := r.VirtualOffset(); vo != refs[i].vo {
				t.Errorf("VirtualOffset after Seek = %#x, want %#x", vo, refs[i].vo)
			}
			n, err := io.ReadFull(r, buf[:len(refs[i].data)])
			if err != nil {
				t.Fatalf("ReadFull after Seek: %v", err)
			}
			if !bytes.Equal(buf[:n], refs[i].data) {
				t.Errorf("read after Seek(%#x) differs", refs[i].vo)
			}
			if i+1 < len(refs) {
				if vo := r.VirtualOffset(); vo != refs[i+1].vo {
					t.Errorf("VirtualOffset after read = %#x, want %#x", vo, refs[i+1].vo)
				}
			}
		}
		if err := r.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

// TestSeekOutOfRange checks that an offset pointing beyond a block's
// decompressed data is rejected.
func TestSeekOutOfRange(t *testing.T) {
	const line = "##fileformat=VCFv4.2\n"
	enc := mustCompress(t, []byte(line), deflate.Default, 1)

	r, err := NewReader(bytes.NewReader(enc), 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	if err := r.Seek(uint64(len(line))); !errors.Is(err, ErrOffset) {
		t.Errorf("Seek past block end: got %v, want %v", err, ErrOffset)
	}
	if err := r.Seek(uint64(len(line)) - 1); err != nil {
		t.Errorf("Seek to final byte: %v", err)
	}
}

// TestCache exercises the reader against an LRU cache during seeks.
func TestCache(t *testing.T) {
	data := randomData(6 * BlockSize)
	enc := mustCompress(t, data, deflate.Default, 1)

	var infos []BlockInfo
	err := Scan(bytes.NewReader(enc), func(bi BlockInfo) error {
		infos = append(infos, bi)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	for _, rd := range []int{1, 4} {
		r, err := NewReader(bytes.NewReader(enc), rd)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		stats := &cache.StatsRecorder{Cache: cache.NewLRU(3)}
		r.SetCache(stats)

		// Visit a few blocks twice; the second pass should be
		// served from the cache.
		order := []int{0, 1, 2, 1, 0, 2}
		buf := make([]byte, 64)
		for _, i := range order {
			vo := uint64(infos[i].Base) << 16
			if err := r.Seek(vo); err != nil {
				t.Fatalf("Seek to block %d: %v", i, err)
			}
			if _, err := io.ReadFull(r, buf); err != nil {
				t.Fatalf("ReadFull in block %d: %v", i, err)
			}
			if !bytes.Equal(buf, data[i*BlockSize:i*BlockSize+64]) {
				t.Errorf("block %d read differs", i)
			}
		}
		s := stats.Stats()
		if s.Gets == 0 || s.Retains == 0 {
			t.Errorf("cache unused: %+v", s)
		}
		if s.Misses == s.Gets {
			t.Errorf("no cache hit over repeated seeks: %+v", s)
		}
		if err := r.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

// TestConcatenated verifies that the reader yields the payloads of
// concatenated BGZF files in order, skipping the interior EOF marker.
func TestConcatenated(t *testing.T) {
	first := []byte("the first file\n")
	second := []byte("the second file\n")
	enc := append(mustCompress(t, first, deflate.Default, *conc), mustCompress(t, second, deflate.Default, *conc)...)

	got := mustDecompress(t, enc, *conc)
	want := append(append([]byte(nil), first...), second...)
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestCorruptBlock verifies that a CRC corruption is reported exactly
// when decoding reaches the damaged block, not before.
func TestCorruptBlock(t *testing.T) {
	data := randomData(5 * BlockSize)
	enc := mustCompress(t, data, deflate.Default, 1)

	var infos []BlockInfo
	err := Scan(bytes.NewReader(enc), func(bi BlockInfo) error {
		infos = append(infos, bi)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(infos) < 4 {
		t.Fatalf("got %d blocks, want at least 4", len(infos))
	}
	// Flip a CRC byte in the third data block.
	bad := infos[2]
	enc[bad.Base+int64(bad.Size)-8] ^= 0xff

	for _, rd := range []int{1, 4} {
		r, err := NewReader(bytes.NewReader(enc), rd)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		buf := make([]byte, BlockSize)
		for i := 0; i < 2; i++ {
			if _, err := io.ReadFull(r, buf); err != nil {
				t.Fatalf("rd=%d: read of intact block %d: %v", rd, i, err)
			}
			if !bytes.Equal(buf, data[i*BlockSize:(i+1)*BlockSize]) {
				t.Errorf("rd=%d: intact block %d differs", rd, i)
			}
		}
		if _, err := io.ReadFull(r, buf); !errors.Is(err, ErrChecksum) {
			t.Errorf("rd=%d: read of corrupt block: got %v, want %v", rd, err, ErrChecksum)
		}
		r.Close()
	}
}

// TestWriterClosed checks post-Close behavior of the Writer.
func TestWriterClosed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, *conc)
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := w.Write([]byte("more")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close: got %v, want %v", err, ErrClosed)
	}
	if err := w.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after Close: got %v, want %v", err, ErrClosed)
	}
}

type eventRecorder struct {
	events []BlockEvent
}

func (l *eventRecorder) BlockWritten(ev BlockEvent) { l.events = append(l.events, ev) }

// TestBlockEvents checks that the writer reports committed blocks to
// its listener contiguously and in order.
func TestBlockEvents(t *testing.T) {
	data := randomData(3*BlockSize + 100)
	for _, wc := range []int{1, 4} {
		var buf bytes.Buffer
		w, err := NewWriterLevel(&buf, deflate.Default, wc)
		if err != nil {
			t.Fatalf("NewWriterLevel: %v", err)
		}
		rec := &eventRecorder{}
		w.SetListener(rec)
		if _, err := w.Write(data); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		if len(rec.events) != 4 {
			t.Fatalf("wc=%d: got %d events, want 4", wc, len(rec.events))
		}
		var cpos, upos int64
		for i, ev := range rec.events {
			if ev.CompressedStart != cpos || ev.UncompressedStart != upos {
				t.Errorf("wc=%d: event %d not contiguous: %+v", wc, i, ev)
			}
			cpos, upos = ev.CompressedEnd, ev.UncompressedEnd
		}
		if upos != int64(len(data)) {
			t.Errorf("wc=%d: events cover %d bytes, want %d", wc, upos, len(data))
		}
		if cpos != int64(buf.Len()-len(EOFMarker)) {
			t.Errorf("wc=%d: events cover %d compressed bytes, want %d", wc, cpos, buf.Len()-len(EOFMarker))
		}
	}
}

// TestWriterPositions checks the writer's position accessors.
func TestWriterPositions(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 1)
	vo, err := w.VirtualOffset()
	if err != nil || vo != 0 {
		t.Errorf("initial VirtualOffset = %#x, %v", vo, err)
	}
	if _, err := w.Write(randomData(BlockSize + 10)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.Pos() != int64(BlockSize+10) {
		t.Errorf("Pos = %d, want %d", w.Pos(), BlockSize+10)
	}
	vo, err = w.VirtualOffset()
	if err != nil {
		t.Fatalf("VirtualOffset: %v", err)
	}
	if got := vo & 0xffff; got != 10 {
		t.Errorf("VirtualOffset block offset = %d, want 10", got)
	}
	if vo>>16 == 0 {
		t.Error("VirtualOffset compressed offset is zero after a full block")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestNonBGZFGzip verifies that a plain gzip member without the BC
// subfield is rejected.
func TestNonBGZFGzip(t *testing.T) {
	// A minimal gzip member with FLG=0: no FEXTRA at all.
	plain := []byte{
		0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff,
		0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	r, err := NewReader(bytes.NewReader(plain), 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	if _, err := io.ReadAll(r); !errors.Is(err, ErrNoBlockSize) {
		t.Errorf("got %v, want %v", err, ErrNoBlockSize)
	}
}

// TestStdlibBackend runs a round trip through the alternate backend on
// both sides.
func TestStdlibBackend(t *testing.T) {
	data := randomData(2*BlockSize + 999)

	var buf bytes.Buffer
	w, err := NewWriterLevel(&buf, deflate.Default, *conc)
	if err != nil {
		t.Fatalf("NewWriterLevel: %v", err)
	}
	w.SetBackend(deflate.Stdlib{})
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()), *conc)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	r.SetBackend(deflate.Stdlib{})
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip through stdlib backend failed")
	}
	r.Close()
}
