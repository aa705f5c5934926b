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

// A BlockEvent describes one block as it is committed to the output
// stream. Offsets are stream positions, not virtual offsets: the
// block's framed bytes span [CompressedStart, CompressedEnd) and its
// input bytes span [UncompressedStart, UncompressedEnd).
type BlockEvent struct {
	CompressedStart   int64
	CompressedEnd     int64
	UncompressedStart int64
	UncompressedEnd   int64
}

// A BlockListener receives a BlockEvent for every data block written,
// in stream order. Listeners are invoked from the goroutine that
// commits blocks (the writing goroutine with a single worker, the
// ordering stage otherwise) and must not call back into the Writer.
type BlockListener interface {
	BlockWritten(BlockEvent)
}

// Writer implements BGZF blocked gzip compression of written data.
//
// Input is accumulated into BlockSize chunks, each compressed as an
// independent gzip member. With wc greater than one, chunks are
// compressed by a pool of workers and committed to the output strictly
// in input order; the observable output is identical to that of a
// single worker given the same write pattern.
type Writer struct {
	w       io.Writer
	level   int
	backend deflate.Backend

	listener BlockListener

	buf    []byte
	in     int64 // total bytes accepted by Write
	closed bool

	// Single worker state.
	comp deflate.Compressor
	enc  []byte

	// Worker pool state, unused when wc < 2.
	wc      int
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	jobs    chan *writeJob
	results chan *writeJob
	done    chan struct{}
	pool    sync.Pool

	mu         sync.Mutex
	cond       *sync.Cond
	dispatched uint64
	handled    uint64
	coffset    int64
	uoffset    int64
	err        error
}

type writeJob struct {
	seq uint64
	raw []byte
	enc []byte
	err error
}

// NewWriter returns a Writer compressing at the default level, using
// wc concurrent compression workers. If wc is zero, GOMAXPROCS workers
// are used.
func NewWriter(w io.Writer, wc int) *Writer {
	bg, _ := NewWriterLevel(w, deflate.Default, wc)
	return bg
}

// NewWriterLevel returns a Writer compressing at the given level. The
// level is passed through to the DEFLATE backend unchanged; it must be
// deflate.Default or lie in [deflate.Store, deflate.Best].
func NewWriterLevel(w io.Writer, level, wc int) (*Writer, error) {
	if level != deflate.Default && (level < deflate.Store || level > deflate.Best) {
		return nil, deflate.ErrLevel
	}
	if wc == 0 {
		wc = runtime.GOMAXPROCS(0)
	}
	bg := &Writer{
		w:       w,
		level:   level,
		backend: deflate.Klauspost{},
		buf:     make([]byte, 0, BlockSize),
		wc:      wc,
	}
	bg.cond = sync.NewCond(&bg.mu)
	if wc > 1 {
		bg.startPool()
	} else {
		bg.comp = bg.backend.NewCompressor()
	}
	return bg, nil
}

// SetBackend replaces the DEFLATE backend. It must be called before
// the first Write.
func (bg *Writer) SetBackend(b deflate.Backend) {
	bg.backend = b
	if bg.wc < 2 {
		bg.comp = b.NewCompressor()
	}
}

// SetListener registers l to observe written blocks. It must be called
// before the first Write.
func (bg *Writer) SetListener(l BlockListener) { bg.listener = l }

func (bg *Writer) startPool() {
	bg.ctx, bg.cancel = context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(bg.ctx)
	bg.g = g
	bg.jobs = make(chan *writeJob, 2*bg.wc)
	bg.results = make(chan *writeJob, 2*bg.wc)
	bg.done = make(chan struct{})
	bg.pool.New = func() any {
		return &writeJob{
			raw: make([]byte, 0, BlockSize),
			enc: make([]byte, 0, MaxBlockSize),
		}
	}
	for i := 0; i < bg.wc; i++ {
		g.Go(func() error {
			var comp deflate.Compressor
			for job := range bg.jobs {
				if comp == nil {
					comp = bg.backend.NewCompressor()
				}
				job.enc, job.err = appendBlock(comp, job.enc[:0], job.raw, bg.level)
				err := job.err
				select {
				case bg.results <- job:
				case <-ctx.Done():
					return ctx.Err()
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	go bg.collect()
}

// collect is the ordering stage: it receives compressed jobs from the
// worker pool and commits them to the output strictly in sequence
// order, buffering completions that arrive early.
func (bg *Writer) collect() {
	defer close(bg.done)
	pending := make(map[uint64]*writeJob)
	var next uint64
	for job := range bg.results {
		pending[job.seq] = job
		for {
			j, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			bg.commit(j)
			next++
		}
	}
	for seq, j := range pending {
		delete(pending, seq)
		bg.fail(j)
	}
}

func (bg *Writer) commit(job *writeJob) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	switch {
	case bg.err != nil:
		// A failed stream accepts no further blocks.
	case job.err != nil:
		bg.err = job.err
	default:
		if _, err := bg.w.Write(job.enc); err != nil {
			bg.err = err
			break
		}
		ev := BlockEvent{
			CompressedStart:   bg.coffset,
			CompressedEnd:     bg.coffset + int64(len(job.enc)),
			UncompressedStart: bg.uoffset,
			UncompressedEnd:   bg.uoffset + int64(len(job.raw)),
		}
		bg.coffset = ev.CompressedEnd
		bg.uoffset = ev.UncompressedEnd
		if bg.listener != nil {
			bg.listener.BlockWritten(ev)
		}
	}
	bg.handled++
	bg.cond.Broadcast()
	bg.pool.Put(job)
}

// fail accounts for a job abandoned by the ordering stage after an
// earlier job errored.
func (bg *Writer) fail(job *writeJob) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.err == nil && job.err != nil {
		bg.err = job.err
	}
	bg.handled++
	bg.cond.Broadcast()
	bg.pool.Put(job)
}

// dispatch hands the pending buffer to the worker pool, or compresses
// and writes it directly when running with a single worker.
func (bg *Writer) dispatch() error {
	if bg.wc < 2 {
		var err error
		bg.enc, err = appendBlock(bg.comp, bg.enc[:0], bg.buf, bg.level)
		if err != nil {
			return err
		}
		if _, err = bg.w.Write(bg.enc); err != nil {
			return err
		}
		ev := BlockEvent{
			CompressedStart:   bg.coffset,
			CompressedEnd:     bg.coffset + int64(len(bg.enc)),
			UncompressedStart: bg.uoffset,
			UncompressedEnd:   bg.uoffset + int64(len(bg.buf)),
		}
		bg.coffset = ev.CompressedEnd
		bg.uoffset = ev.UncompressedEnd
		if bg.listener != nil {
			bg.listener.BlockWritten(ev)
		}
		bg.buf = bg.buf[:0]
		return nil
	}

	job := bg.pool.Get().(*writeJob)
	job.raw = append(job.raw[:0], bg.buf...)
	job.err = nil
	bg.mu.Lock()
	job.seq = bg.dispatched
	bg.dispatched++
	bg.mu.Unlock()
	select {
	case bg.jobs <- job:
	case <-bg.ctx.Done():
		bg.mu.Lock()
		bg.dispatched--
		err := bg.err
		bg.mu.Unlock()
		bg.pool.Put(job)
		if err != nil {
			return err
		}
		return bg.ctx.Err()
	}
	bg.buf = bg.buf[:0]
	return nil
}

// drain blocks until every dispatched job has been committed or an
// error has been recorded.
func (bg *Writer) drain() error {
	if bg.wc < 2 {
		return nil
	}
	bg.mu.Lock()
	defer bg.mu.Unlock()
	for bg.handled != bg.dispatched && bg.err == nil {
		bg.cond.Wait()
	}
	return bg.err
}

// Write writes the contents of p into the pending buffer, compressing
// and committing a block whenever BlockSize bytes have accumulated.
// The total of lengths written equals the total uncompressed size of
// the stream.
func (bg *Writer) Write(p []byte) (int, error) {
	if bg.closed {
		return 0, ErrClosed
	}
	if err := bg.sticky(); err != nil {
		return 0, err
	}
	var n int
	for len(p) > 0 {
		c := copy(bg.buf[len(bg.buf):BlockSize], p)
		bg.buf = bg.buf[:len(bg.buf)+c]
		p = p[c:]
		n += c
		bg.in += int64(c)
		if len(bg.buf) == BlockSize {
			if err := bg.dispatch(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (bg *Writer) sticky() error {
	if bg.wc < 2 {
		return nil
	}
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.err
}

// Flush compresses any pending input as a short block and drains the
// worker pool so that all accepted input is represented in the output
// stream.
func (bg *Writer) Flush() error {
	if bg.closed {
		return ErrClosed
	}
	if len(bg.buf) != 0 {
		if err := bg.dispatch(); err != nil {
			return err
		}
	}
	return bg.drain()
}

// Close flushes pending data, stops the worker pool, writes the EOF
// marker block and marks the Writer closed. It does not close the
// underlying writer. Close is idempotent; writes after Close fail with
// ErrClosed.
func (bg *Writer) Close() error {
	if bg.closed {
		return nil
	}
	err := bg.Flush()
	bg.closed = true
	if bg.wc > 1 {
		close(bg.jobs)
		werr := bg.g.Wait()
		close(bg.results)
		<-bg.done
		bg.cancel()
		if err == nil && werr != nil && werr != context.Canceled {
			err = werr
		}
		if err == nil {
			err = bg.sticky()
		}
	}
	if err != nil {
		return err
	}
	_, err = bg.w.Write(EOFMarker)
	return err
}

// Pos returns the number of uncompressed bytes accepted by Write.
func (bg *Writer) Pos() int64 { return bg.in }

// VirtualOffset returns the virtual offset at which the next written
// byte will be placed. The worker pool is drained first so that the
// compressed position is exact.
func (bg *Writer) VirtualOffset() (uint64, error) {
	if err := bg.drain(); err != nil {
		return 0, err
	}
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return makeVirtualOffset(bg.coffset, uint16(len(bg.buf))), nil
}
