package storage

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// IndexSuffix is appended to a record log path to name its index
const IndexSuffix = ".idx"

// Entry locates one record in a log
type Entry struct {
	Name   string `json:"name"`
	Offset int64  `json:"offset"`
}

// Index lists the records of a log in file order
type Index struct {
	Entries []Entry
	byName  map[string]int64
	// end is the offset just past the last indexed record
	end int64
}

// Lookup returns the offset of the first record named name
func (x *Index) Lookup(name string) (int64, bool) {
	off, ok := x.byName[name]
	return off, ok
}

// Names returns the record names in file order
func (x *Index) Names() []string {

	names := make([]string, len(x.Entries))

	for i, e := range x.Entries {
		names[i] = e.Name
	}

	return names
}

func (x *Index) add(e Entry) {

	x.Entries = append(x.Entries, e)

	if _, ok := x.byName[e.Name]; !ok {
		x.byName[e.Name] = e.Offset
	}
}

// countingReader tracks the number of bytes consumed by the decoder.  It
// implements io.ByteScanner so the decoder does not read ahead.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {

	b, err := c.r.ReadByte()

	if err == nil {
		c.n++
	}

	return b, err
}

func (c *countingReader) UnreadByte() error {

	err := c.r.UnreadByte()

	if err == nil {
		c.n--
	}

	return err
}

// recordName is decoded from every record while scanning, other fields are
// skipped
type recordName struct {
	Name string `msgpack:"name"`
}

// BuildIndex returns the index of the record log at path.  An existing
// index file is reused and extended with records appended since it was
// written, a stale index is rebuilt.  A truncated record at the end of the
// log is left for a later call.
func BuildIndex(path string) (*Index, error) {

	f, err := os.Open(path)

	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s", path)
	}

	defer f.Close()

	st, err := f.Stat()

	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", path)
	}

	idxPath := path + IndexSuffix
	idx, err := readIndex(idxPath)

	if err != nil || !idx.valid(f, st.Size()) {
		idx = &Index{byName: make(map[string]int64)}

		if err := os.Remove(idxPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "error removing stale index %s", idxPath)
		}
	}

	if idx.end >= st.Size() {
		return idx, nil
	}

	if _, err := f.Seek(idx.end, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "error seeking %s", path)
	}

	cr := &countingReader{r: bufio.NewReader(f), n: idx.end}
	dec := msgpack.NewDecoder(cr)

	var added []Entry

	for cr.n < st.Size() {

		start := cr.n
		var rec recordName

		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// partially written record
				break
			}

			return nil, errors.Wrapf(err, "error decoding record at %d in %s", start, path)
		}

		e := Entry{Name: rec.Name, Offset: start}
		idx.add(e)
		idx.end = cr.n
		added = append(added, e)
	}

	if err := appendIndex(idxPath, added); err != nil {
		return nil, err
	}

	return idx, nil
}

// valid checks the index still describes the log, the last indexed record
// must decode and end within the file
func (x *Index) valid(f *os.File, size int64) bool {

	if len(x.Entries) == 0 {
		return true
	}

	last := x.Entries[len(x.Entries)-1]

	if last.Offset >= size {
		return false
	}

	cr := &countingReader{
		r: bufio.NewReader(io.NewSectionReader(f, last.Offset, size-last.Offset)),
		n: last.Offset,
	}

	var rec recordName

	if err := msgpack.NewDecoder(cr).Decode(&rec); err != nil || rec.Name != last.Name {
		return false
	}

	x.end = cr.n

	return true
}

// readIndex loads an index file, a missing file is an empty index
func readIndex(path string) (*Index, error) {

	idx := &Index{byName: make(map[string]int64)}

	f, err := os.Open(path)

	if os.IsNotExist(err) {
		return idx, nil
	}

	if err != nil {
		return nil, errors.Wrapf(err, "error opening index %s", path)
	}

	defer f.Close()

	scanner := bufio.NewScanner(f)

	for scanner.Scan() {

		var e Entry

		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, errors.Wrapf(err, "error parsing index %s", path)
		}

		idx.add(e)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading index %s", path)
	}

	return idx, nil
}

// appendIndex writes entries to the end of the index file
func appendIndex(path string, entries []Entry) error {

	if len(entries) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)

	if err != nil {
		return errors.Wrapf(err, "error opening index %s", path)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return errors.Wrapf(err, "error writing index %s", path)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "error writing index %s", path)
	}

	return errors.Wrapf(f.Close(), "error closing index %s", path)
}
