// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf

import (
	"context"
	"io"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/htsio/bgzf/deflate"
)

// Reader implements BGZF blocked gzip decompression.
//
// With a single worker, blocks are decompressed inline as the stream
// is read. With more, a scanner goroutine frames members from the
// source without decompressing them and dispatches them to a pool of
// decompression workers; an ordering stage yields the decompressed
// blocks in stream order, so the concurrency is visible to callers
// only as throughput.
type Reader struct {
	r       io.Reader
	rd      int
	backend deflate.Backend

	blk      *Block
	cur      int
	nextBase int64
	err      error

	// spos is the current position of the underlying stream, or -1
	// when it is unknown because a read-ahead pipeline owned the
	// stream.
	spos int64

	dec deflate.Decompressor

	p *pipeline

	mu    sync.Mutex
	cache Cache
}

// NewReader returns a Reader decompressing from r using rd concurrent
// decompression workers. If rd is zero, GOMAXPROCS workers are used.
func NewReader(r io.Reader, rd int) (*Reader, error) {
	if rd == 0 {
		rd = runtime.GOMAXPROCS(0)
	}
	return &Reader{
		r:       r,
		rd:      rd,
		backend: deflate.Klauspost{},
	}, nil
}

// SetBackend replaces the DEFLATE backend. It must be called before
// the first Read.
func (bg *Reader) SetBackend(b deflate.Backend) {
	bg.backend = b
	bg.dec = nil
}

// SetCache sets the cache to be used by the Reader. A nil cache
// disables caching.
func (bg *Reader) SetCache(c Cache) {
	bg.mu.Lock()
	bg.cache = c
	bg.mu.Unlock()
}

func (bg *Reader) cacheGet(base int64) *Block {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.cache == nil {
		return nil
	}
	return bg.cache.Get(base)
}

func (bg *Reader) cachePut(b *Block) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.cache == nil {
		return
	}
	bg.cache.Put(b)
}

// Read fills p with decompressed data, loading successive blocks as
// the current block is exhausted. Empty interior blocks, including
// EOF marker blocks of concatenated streams, are skipped.
func (bg *Reader) Read(p []byte) (int, error) {
	if bg.err != nil {
		return 0, bg.err
	}
	var n int
	for n < len(p) {
		if bg.blk == nil || bg.cur == len(bg.blk.Data) {
			if err := bg.nextBlock(); err != nil {
				bg.err = err
				if n != 0 && err == io.EOF {
					return n, nil
				}
				return n, err
			}
			continue
		}
		c := copy(p[n:], bg.blk.Data[bg.cur:])
		n += c
		bg.cur += c
	}
	return n, nil
}

// VirtualOffset returns the virtual offset of the next byte Read will
// return. At a block boundary the offset refers to the start of the
// following block.
func (bg *Reader) VirtualOffset() uint64 {
	if bg.blk != nil && bg.cur < len(bg.blk.Data) {
		return makeVirtualOffset(bg.blk.Base, uint16(bg.cur))
	}
	return makeVirtualOffset(bg.nextBase, 0)
}

// BlockLen returns the number of bytes remaining in the current
// block's decompressed data.
func (bg *Reader) BlockLen() int {
	if bg.blk == nil {
		return 0
	}
	return len(bg.blk.Data) - bg.cur
}

// Seek positions the Reader at the given virtual offset. The
// underlying stream must be an io.ReadSeeker unless the target lies in
// the current block. Seek fails with ErrOffset if the offset within
// the block is not zero and lies at or beyond the end of the block's
// decompressed data. A sticky read error, including io.EOF, is cleared
// by a successful Seek.
func (bg *Reader) Seek(vo uint64) error {
	base := int64(vo >> 16)
	off := int(uint16(vo))
	if bg.blk == nil || bg.blk.Base != base {
		if _, ok := bg.r.(io.ReadSeeker); !ok {
			return ErrNotASeeker
		}
		bg.stopPipeline()
		blk := bg.cacheGet(base)
		if blk == nil {
			if err := bg.ensurePos(base); err != nil {
				return err
			}
			var err error
			blk, err = bg.loadBlock(base)
			if err != nil {
				return err
			}
		}
		bg.setBlock(blk)
	}
	if off != 0 && off >= len(bg.blk.Data) {
		return ErrOffset
	}
	bg.cur = off
	bg.err = nil
	return nil
}

// Close shuts down any read-ahead workers. It does not close the
// underlying reader.
func (bg *Reader) Close() error {
	bg.stopPipeline()
	if bg.err == io.EOF {
		return nil
	}
	return bg.err
}

// setBlock makes blk the current block, returning the previous block
// to the cache.
func (bg *Reader) setBlock(blk *Block) {
	if bg.blk != nil && len(bg.blk.Data) != 0 {
		bg.cachePut(bg.blk)
	}
	bg.blk = blk
	bg.cur = 0
	bg.nextBase = blk.NextBase()
}

// ensurePos positions the underlying stream at base, seeking where
// possible and otherwise discarding forward.
func (bg *Reader) ensurePos(base int64) error {
	if bg.spos == base {
		return nil
	}
	if rs, ok := bg.r.(io.ReadSeeker); ok {
		if _, err := rs.Seek(base, io.SeekStart); err != nil {
			return err
		}
		bg.spos = base
		return nil
	}
	if bg.spos < 0 || base < bg.spos {
		return ErrNotASeeker
	}
	if _, err := io.CopyN(io.Discard, bg.r, base-bg.spos); err != nil {
		if err == io.EOF {
			err = ErrCorrupt
		}
		return err
	}
	bg.spos = base
	return nil
}

// loadBlock reads and decompresses one block starting at base,
// positioning the stream first if required.
func (bg *Reader) loadBlock(base int64) (*Block, error) {
	if err := bg.ensurePos(base); err != nil {
		return nil, err
	}
	f, err := readFrame(bg.r, base)
	if err != nil {
		return nil, err
	}
	bg.spos = f.base + int64(f.size)
	if bg.dec == nil {
		bg.dec = bg.backend.NewDecompressor()
	}
	data, err := f.decode(bg.dec)
	if err != nil {
		return nil, err
	}
	return &Block{Base: f.base, Size: f.size, Data: data}, nil
}

func (bg *Reader) nextBlock() error {
	if bg.rd > 1 {
		return bg.nextBlockParallel()
	}
	base := bg.nextBase
	if blk := bg.cacheGet(base); blk != nil {
		bg.setBlock(blk)
		return nil
	}
	blk, err := bg.loadBlock(base)
	if err != nil {
		return err
	}
	bg.setBlock(blk)
	return nil
}

func (bg *Reader) nextBlockParallel() error {
	if bg.p == nil {
		if blk := bg.cacheGet(bg.nextBase); blk != nil {
			bg.setBlock(blk)
			return nil
		}
		if err := bg.startPipeline(bg.nextBase); err != nil {
			return err
		}
	}
	res, ok := <-bg.p.out
	if !ok {
		return io.EOF
	}
	if res.err != nil {
		bg.stopPipeline()
		return res.err
	}
	bg.setBlock(res.blk)
	return nil
}

type readJob struct {
	seq uint64
	f   *frame
	blk *Block
	err error
}

type readResult struct {
	blk *Block
	err error
}

type pipeline struct {
	cancel context.CancelFunc
	g      *errgroup.Group
	out    chan readResult
}

// startPipeline starts the read-ahead machinery at the given stream
// offset: a scanner goroutine framing members, rd decompression
// workers and an ordering stage delivering blocks in stream order.
func (bg *Reader) startPipeline(base int64) error {
	if err := bg.ensurePos(base); err != nil {
		return err
	}
	// The scanner owns the stream until the pipeline is stopped.
	bg.spos = -1

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan *readJob, 2*bg.rd)
	results := make(chan *readJob, 2*bg.rd)
	out := make(chan readResult, 2*bg.rd)

	// The scanner owns the underlying reader: a cheap parse that
	// frames each member without decompressing it. It terminates by
	// sending a job carrying io.EOF or the frame error.
	g.Go(func() error {
		defer close(jobs)
		var seq uint64
		for off := base; ; {
			f, err := readFrame(bg.r, off)
			job := &readJob{seq: seq, f: f, err: err}
			seq++
			select {
			case jobs <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err != nil {
				return nil
			}
			off = f.base + int64(f.size)
		}
	})

	var workers sync.WaitGroup
	workers.Add(bg.rd)
	for i := 0; i < bg.rd; i++ {
		g.Go(func() error {
			defer workers.Done()
			dec := bg.backend.NewDecompressor()
			for job := range jobs {
				if job.err == nil {
					var data []byte
					data, job.err = job.f.decode(dec)
					if job.err == nil {
						job.blk = &Block{Base: job.f.base, Size: job.f.size, Data: data}
					}
				}
				select {
				case results <- job:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	// Ordering stage. The first error, in sequence order, is the
	// last result delivered.
	go func() {
		defer close(out)
		pending := make(map[uint64]*readJob)
		var next uint64
		for job := range results {
			pending[job.seq] = job
			for {
				j, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				select {
				case out <- readResult{blk: j.blk, err: j.err}:
				case <-ctx.Done():
					return
				}
				if j.err != nil {
					cancel()
					return
				}
			}
		}
	}()

	bg.p = &pipeline{cancel: cancel, g: g, out: out}
	return nil
}

// stopPipeline cancels the read-ahead machinery and waits for all of
// its goroutines to unwind, discarding undelivered blocks.
func (bg *Reader) stopPipeline() {
	if bg.p == nil {
		return
	}
	bg.p.cancel()
	for range bg.p.out {
	}
	bg.p.g.Wait()
	bg.p = nil
}
