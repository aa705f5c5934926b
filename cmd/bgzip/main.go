// Copyright ©2025 The htsio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// bgzip compresses and decompresses files in the BGZF blocked gzip
// format and maintains their .gzi offset indexes.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/htsio/bgzf"
	"github.com/htsio/bgzf/deflate"
	"github.com/htsio/bgzf/gzi"
)

const (
	exitSuccess = 0
	exitError   = 1
)

var (
	flagStdout     = pflag.BoolP("stdout", "c", false, "write on standard output, keep original files unchanged")
	flagDecompress = pflag.BoolP("decompress", "d", false, "decompress")
	flagForce      = pflag.BoolP("force", "f", false, "overwrite files without asking")
	flagHelp       = pflag.BoolP("help", "h", false, "give this help")
	flagIndex      = pflag.BoolP("index", "i", false, "compress and create BGZF index")
	flagIndexName  = pflag.StringP("index-name", "I", "", "name of BGZF index file [file.gz.gzi]")
	flagKeep       = pflag.BoolP("keep", "k", false, "don't delete input files during operation")
	flagLevel      = pflag.IntP("compress-level", "l", deflate.Default, "compression level; 0 to 9, or -1 for default")
	flagOffset     = pflag.Int64P("offset", "b", 0, "decompress from 0-based uncompressed offset")
	flagReindex    = pflag.BoolP("reindex", "r", false, "(re)index a compressed file")
	flagSize       = pflag.Int64P("size", "s", -1, "decompress only INT bytes of uncompressed data")
	flagTest       = pflag.BoolP("test", "t", false, "test integrity of compressed file")
	flagThreads    = pflag.IntP("threads", "@", 1, "number of compression or decompression threads to use")
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("bgzip: ")
	os.Exit(run())
}

func run() int {
	pflag.Parse()
	if *flagHelp {
		usage()
		return exitSuccess
	}
	if *flagLevel != deflate.Default && (*flagLevel < deflate.Store || *flagLevel > deflate.Best) {
		log.Printf("invalid compression level %d", *flagLevel)
		return exitError
	}

	files := pflag.Args()
	if len(files) == 0 {
		files = []string{"-"}
	}

	var failed bool
	for _, fn := range files {
		var err error
		switch {
		case *flagReindex:
			err = reindex(fn)
		case *flagTest:
			err = test(fn)
		case *flagDecompress:
			err = decompress(fn)
		default:
			err = compress(fn)
		}
		if err != nil {
			log.Print(err)
			failed = true
		}
	}
	if failed {
		return exitError
	}
	return exitSuccess
}

func usage() {
	fmt.Fprintf(os.Stderr, `bgzip - block compression/decompression utility

Usage:
  bgzip [options] [file] ...

Options:
`)
	pflag.PrintDefaults()
}

func openInput(fn string) (*os.File, error) {
	if fn == "-" {
		return os.Stdin, nil
	}
	return os.Open(fn)
}

func create(fn string) (*os.File, error) {
	if !*flagForce {
		if _, err := os.Stat(fn); err == nil {
			return nil, fmt.Errorf("%s already exists; use -f to overwrite", fn)
		}
	}
	return os.Create(fn)
}

func indexName(gzName string) string {
	if *flagIndexName != "" {
		return *flagIndexName
	}
	return gzi.Filename(gzName)
}

func compress(fn string) error {
	in, err := openInput(fn)
	if err != nil {
		return err
	}
	defer in.Close()

	out := os.Stdout
	var gzName string
	if fn != "-" && !*flagStdout {
		gzName = fn + ".gz"
		out, err = create(gzName)
		if err != nil {
			return err
		}
	}

	w, err := bgzf.NewWriterLevel(out, *flagLevel, *flagThreads)
	if err != nil {
		return err
	}
	var idx *gzi.Builder
	if *flagIndex {
		if gzName == "" {
			return errors.New("index requires a named output file")
		}
		idx = &gzi.Builder{}
		w.SetListener(idx)
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if gzName != "" {
		if err := out.Close(); err != nil {
			return err
		}
	}
	if idx != nil {
		if err := writeIndex(idx.Index(), indexName(gzName)); err != nil {
			return err
		}
	}
	if gzName != "" && !*flagKeep {
		return os.Remove(fn)
	}
	return nil
}

func decompress(fn string) error {
	in, err := openInput(fn)
	if err != nil {
		return err
	}
	defer in.Close()

	out := os.Stdout
	var outName string
	if fn != "-" && !*flagStdout {
		outName = strings.TrimSuffix(fn, ".gz")
		if outName == fn {
			return fmt.Errorf("%s: unknown suffix -- ignored", fn)
		}
		out, err = create(outName)
		if err != nil {
			return err
		}
	}

	if fn != "-" {
		if ok, err := bgzf.HasEOF(in); err == nil && !ok {
			log.Printf("warning: %s: missing BGZF EOF marker; file may be truncated", fn)
		}
	}

	r, err := bgzf.NewReader(in, *flagThreads)
	if err != nil {
		return err
	}
	defer r.Close()

	var src io.Reader = r
	if *flagOffset > 0 {
		switch x, err := loadIndex(fn); {
		case err == nil:
			ir := gzi.NewReader(r, x)
			if _, err := ir.Seek(*flagOffset, io.SeekStart); err != nil {
				return err
			}
			src = ir
		case fn == "-" || os.IsNotExist(err):
			if _, err := io.CopyN(io.Discard, r, *flagOffset); err != nil {
				return err
			}
		default:
			return err
		}
	}
	if *flagSize >= 0 {
		src = io.LimitReader(src, *flagSize)
	}

	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	if outName != "" {
		if err := out.Close(); err != nil {
			return err
		}
		if !*flagKeep {
			return os.Remove(fn)
		}
	}
	return nil
}

func reindex(fn string) error {
	if fn == "-" {
		return errors.New("cannot reindex standard input")
	}
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	x, err := gzi.Build(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return writeIndex(x, indexName(fn))
}

func test(fn string) error {
	f, err := openInput(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	if fn != "-" {
		ok, err := bgzf.HasEOF(f)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", fn, bgzf.ErrNoEOF)
		}
	}
	r, err := bgzf.NewReader(f, *flagThreads)
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := io.Copy(io.Discard, r); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

func loadIndex(fn string) (*gzi.Index, error) {
	if fn == "-" && *flagIndexName == "" {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(indexName(fn))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	x := &gzi.Index{}
	if _, err := x.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), err)
	}
	return x, nil
}

func writeIndex(x *gzi.Index, name string) error {
	f, err := create(name)
	if err != nil {
		return err
	}
	if _, err := x.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
