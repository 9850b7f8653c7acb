package indexcache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/golang/snappy"
)

// runWriter appends (term, del, add) triples to a key-sorted on-disk run,
// compressed with snappy's framed stream format (spec §4.6: "append (key
// must be ≥ last), finalize, iterate").
type runWriter struct {
	f        *os.File
	w        *snappy.Writer
	lastKey  []byte
	hasEntry bool
}

func createRunWriter(path string) (*runWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create spill run %s: %w", path, err)
	}
	return &runWriter{f: f, w: snappy.NewBufferedWriter(f)}, nil
}

// append writes one entry. key must be lexicographically >= the previous
// key written to this run.
func (w *runWriter) append(key []byte, del, add *roaring.Bitmap) error {
	if w.hasEntry && bytes.Compare(key, w.lastKey) < 0 {
		return fmt.Errorf("spill run: out-of-order key %q after %q", key, w.lastKey)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.hasEntry = true

	delBytes, err := del.ToBytes()
	if err != nil {
		return err
	}
	addBytes, err := add.ToBytes()
	if err != nil {
		return err
	}
	if err := writeFrame(w.w, key); err != nil {
		return err
	}
	if err := writeFrame(w.w, delBytes); err != nil {
		return err
	}
	if err := writeFrame(w.w, addBytes); err != nil {
		return err
	}
	return nil
}

func (w *runWriter) finalize() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

func writeFrame(w io.Writer, b []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// runReader iterates a finalized run in ascending key order.
type runReader struct {
	f   *os.File
	r   *bufio.Reader
	cur *runEntry
	err error
}

type runEntry struct {
	key []byte
	d   *Delta
}

func openRunReader(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spill run %s: %w", path, err)
	}
	rr := &runReader{f: f, r: bufio.NewReader(snappy.NewReader(f))}
	rr.advance()
	return rr, nil
}

// current returns the cursor's entry, or nil if exhausted.
func (rr *runReader) current() *runEntry { return rr.cur }

// advance loads the next entry; call current() after to read it.
func (rr *runReader) advance() {
	key, err := readFrame(rr.r)
	if err != nil {
		if err != io.EOF {
			rr.err = err
		}
		rr.cur = nil
		return
	}
	delBytes, err := readFrame(rr.r)
	if err != nil {
		rr.err = err
		rr.cur = nil
		return
	}
	addBytes, err := readFrame(rr.r)
	if err != nil {
		rr.err = err
		rr.cur = nil
		return
	}
	del := roaring.New()
	if _, err := del.FromBuffer(delBytes); err != nil {
		rr.err = err
		rr.cur = nil
		return
	}
	add := roaring.New()
	if _, err := add.FromBuffer(addBytes); err != nil {
		rr.err = err
		rr.cur = nil
		return
	}
	rr.cur = &runEntry{key: key, d: &Delta{Del: del, Add: add}}
}

func (rr *runReader) close() error { return rr.f.Close() }

// flushSpillBuf sorts the pending spill buffer by key and writes it as one
// new run, matching the on-disk sorter's append-in-order contract.
func flushSpillBuf(dir string, id string, buf map[string]*entry) (string, error) {
	if len(buf) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(buf))
	for k := range buf {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	path := dir + "/" + id + ".run"
	w, err := createRunWriter(path)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		e := buf[k]
		if err := w.append(e.term, e.del.drain(), e.add.drain()); err != nil {
			w.finalize()
			return "", err
		}
	}
	if err := w.finalize(); err != nil {
		return "", err
	}
	return path, nil
}
