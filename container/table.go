package container

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"path"
	"reflect"
	"sort"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/rowflow/substrate"
	"v.io/x/lib/vlog"
)

func init() { recordiozstd.Init() }

// manifestEntry records one contiguous run of rows a single rank wrote
// to its own shard file, in the order it was written. Because a rank's
// successive ReserveRows calls always extend forward, a shard's entries
// are monotonic in GlobalStart; looking one up is a binary search.
type manifestEntry struct {
	Shard       int
	GlobalStart int64
	Count       int64
	ShardOffset int64 // row index within the shard where this run begins
}

// Table is a typed view of one group's `data` array. Row identity is
// the absolute offset; rows are append-only within a run.
type Table[T any] struct {
	c        *Container
	groupPath string
	dir      string // c.groupDir(groupPath) + "/data"
	dtype    reflect.Type
	fp       uint64 // farm.Hash64 fingerprint of dtype's shape
	chunk    int64  // storage chunk size, persisted across reopens via the manifest

	mu        sync.Mutex
	rowCount  int64 // total rows reserved so far, known collectively
	reserved  [2]int64 // [start,stop) reserved to this rank by the last ReserveRows call
	manifest  []manifestEntry
	myShardRows int64 // rows this rank has appended to its own shard so far

	writer     recordio.Writer
	writerFile file.File

	readersMu sync.Mutex
	readers   map[int]*shardReader
}

type shardReader struct {
	f       file.File
	scanner recordio.Scanner
	nScanned int64
}

// CreateDataset creates path/data if absent, validating the row type
// against what's already on disk otherwise. chunk sets the dataset's
// storage chunk size the first time it's created; it persists across
// reopens (a later call with a different chunk is ignored once a
// nonzero chunk is already on disk, so the first writer wins). A zero
// chunk leaves the dataset's chunk size unset, for callers that only
// read or that don't care about chunk-aligned sizing. Collective.
func CreateDataset[T any](ctx context.Context, c *Container, groupPath string, chunk int) (*Table[T], error) {
	var zero T
	dtype := reflect.TypeOf(zero)
	fp := fingerprint(dtype)

	c.mu.Lock()
	if existing, ok := c.tables[groupPath]; ok {
		c.mu.Unlock()
		t, ok := existing.(*Table[T])
		if !ok || t.fp != fp {
			return nil, ErrAlreadyExistsWithDifferentType
		}
		return t, nil
	}
	c.mu.Unlock()

	t := &Table[T]{
		c:         c,
		groupPath: groupPath,
		dir:       path.Join(c.groupDir(groupPath), "data"),
		dtype:     dtype,
		fp:        fp,
		chunk:     int64(chunk),
		readers:   make(map[int]*shardReader),
	}

	// Discover any rows already on disk from a prior run: read the
	// dataset's manifest file (manifest.gob) if present.
	if m, fp2, rc, storedChunk, ok, err := readManifest(ctx, t.dir); err != nil {
		return nil, err
	} else if ok {
		if fp2 != fp {
			return nil, ErrAlreadyExistsWithDifferentType
		}
		t.manifest = m
		t.rowCount = rc
		if storedChunk > 0 {
			t.chunk = storedChunk
		}
	}

	c.mu.Lock()
	c.tables[groupPath] = t
	c.mu.Unlock()
	return t, nil
}

func fingerprint(t reflect.Type) uint64 {
	if t == nil {
		return 0
	}
	buf := bytes.NewBufferString(t.String())
	if t.Kind() == reflect.Struct {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			buf.WriteString(f.Name)
			buf.WriteString(f.Type.String())
		}
	}
	return farm.Hash64(buf.Bytes())
}

// ReserveRows performs a collective exclusive prefix sum: every rank
// supplies nLocal, and each learns the absolute row offset at which it
// may write. Implemented with only Broadcast, per rank in ascending
// order, so the result is a deterministic function of rank order.
func (t *Table[T]) ReserveRows(ctx context.Context, nLocal int64) (int64, error) {
	sub := substrate.Current()
	size := sub.Size()
	rank := sub.Rank()
	var start, total int64
	for r := 0; r < size; r++ {
		v := int64(0)
		if rank == r {
			v = nLocal
		}
		b := encodeInt64(v)
		if err := sub.Broadcast(ctx, r, &b); err != nil {
			return 0, fmt.Errorf("container: ReserveRows: %w", err)
		}
		n, err := decodeInt64(b)
		if err != nil {
			return 0, err
		}
		if r < rank {
			start += n
		}
		total += n
	}
	t.mu.Lock()
	// Offsets are absolute: this call's prefix sum starts after every row
	// already reserved by earlier calls.
	start += t.rowCount
	t.reserved = [2]int64{start, start + nLocal}
	t.rowCount += total
	t.mu.Unlock()
	return start, nil
}

// WriteData appends rows starting at the absolute offset start, which
// must lie inside the window returned by this rank's most recent
// ReserveRows call. Logically this is a per-rank operation, but the
// manifest bookkeeping that lets every rank later locate these rows is
// relayed through rank 0 as part of the same call, so WriteData is also
// a synchronization point in this implementation (documented in
// DESIGN.md).
func (t *Table[T]) WriteData(ctx context.Context, start int64, rows []T) error {
	t.mu.Lock()
	if len(rows) > 0 && (start < t.reserved[0] || start+int64(len(rows)) > t.reserved[1]) {
		t.mu.Unlock()
		return fmt.Errorf("container: WriteData %s: [%d,%d) outside reserved window [%d,%d)",
			t.groupPath, start, start+int64(len(rows)), t.reserved[0], t.reserved[1])
	}
	t.mu.Unlock()

	var myEntry *manifestEntry
	if len(rows) > 0 {
		if err := t.appendToOwnShard(ctx, rows); err != nil {
			return err
		}
		t.mu.Lock()
		e := manifestEntry{
			Shard:       substrate.Rank(),
			GlobalStart: start,
			Count:       int64(len(rows)),
			ShardOffset: t.myShardRows - int64(len(rows)),
		}
		t.mu.Unlock()
		myEntry = &e
	}

	var payload []byte
	if myEntry != nil {
		payload, _ = encodeGobLocal(*myEntry)
	}
	all, err := allgatherBytes(ctx, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, b := range all {
		if len(b) == 0 {
			continue
		}
		var e manifestEntry
		if err := decodeGobLocal(b, &e); err != nil {
			t.mu.Unlock()
			return err
		}
		t.manifest = append(t.manifest, e)
	}
	sort.Slice(t.manifest, func(i, j int) bool { return t.manifest[i].GlobalStart < t.manifest[j].GlobalStart })
	manifest := append([]manifestEntry(nil), t.manifest...)
	rowCount := t.rowCount
	t.mu.Unlock()

	if substrate.Rank() == 0 {
		if err := writeManifest(ctx, t.dir, t.fp, manifest, rowCount, t.chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table[T]) appendToOwnShard(ctx context.Context, rows []T) error {
	shardPath := path.Join(t.dir, fmt.Sprintf("shard-%05d.rio", substrate.Rank()))
	if t.writer == nil {
		f, err := file.Create(ctx, shardPath)
		if err != nil {
			return writeErr("create", shardPath, err)
		}
		t.writerFile = f
		t.writer = recordio.NewWriter(f.Writer(ctx), recordio.WriterOpts{
			Transformers: []string{recordiozstd.Name},
			Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
				return encodeGobLocal(v)
			},
		})
	}
	for i := range rows {
		t.writer.Append(rows[i])
		t.myShardRows++
	}
	// Append itself never returns an error (recordio.Writer serializes
	// and flushes blocks asynchronously); a failed write only surfaces
	// later through Err, so check it here rather than waiting until
	// Finish silently loses which WriteData call actually failed.
	if err := t.writer.Err(); err != nil {
		return writeErr("append", shardPath, err)
	}
	return nil
}

// ReadRows returns the n rows starting at absolute offset start. Any
// rank may call this independently; it is not a collective.
func (t *Table[T]) ReadRows(ctx context.Context, start, n int64) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	t.mu.Lock()
	manifest := t.manifest
	t.mu.Unlock()

	out := make([]T, n)
	remaining := n
	cur := start
	for remaining > 0 {
		idx := sort.Search(len(manifest), func(i int) bool {
			return manifest[i].GlobalStart+manifest[i].Count > cur
		})
		if idx >= len(manifest) {
			return nil, fmt.Errorf("container: ReadRows %s: offset %d out of range (have %d rows)", t.groupPath, cur, t.rowCount)
		}
		e := manifest[idx]
		localOff := e.ShardOffset + (cur - e.GlobalStart)
		avail := e.Count - (cur - e.GlobalStart)
		take := remaining
		if take > avail {
			take = avail
		}
		rows, err := t.readShardRange(ctx, e.Shard, localOff, take)
		if err != nil {
			return nil, err
		}
		copy(out[n-remaining:], rows)
		remaining -= take
		cur += take
	}
	return out, nil
}

// Gather returns the rows at the given absolute offsets, in the same
// order as indices, for scatter-style reads that aren't contiguous: a
// dereference's bulk read is indexed by an arbitrary flattened list of
// target offsets.
func (t *Table[T]) Gather(ctx context.Context, indices []int64) ([]T, error) {
	out := make([]T, len(indices))
	for i, idx := range indices {
		rows, err := t.ReadRows(ctx, idx, 1)
		if err != nil {
			return nil, err
		}
		out[i] = rows[0]
	}
	return out, nil
}

func (t *Table[T]) readShardRange(ctx context.Context, shard int, localOff, n int64) ([]T, error) {
	t.readersMu.Lock()
	r, ok := t.readers[shard]
	if !ok {
		shardPath := path.Join(t.dir, fmt.Sprintf("shard-%05d.rio", shard))
		f, err := file.Open(ctx, shardPath)
		if err != nil {
			t.readersMu.Unlock()
			return nil, ioErr("open", shardPath, err)
		}
		scanner := recordio.NewScanner(f.Reader(ctx), recordio.ScannerOpts{
			Unmarshal: func(in []byte) (interface{}, error) {
				var v T
				if err := decodeGobLocal(in, &v); err != nil {
					return nil, err
				}
				return v, nil
			},
		})
		r = &shardReader{f: f, scanner: scanner}
		t.readers[shard] = r
	}
	t.readersMu.Unlock()

	if localOff < r.nScanned {
		// A fresh linear scanner can't rewind; re-open it. Rare in
		// practice since reads within one iteration trend forward.
		if err := r.f.Close(ctx); err != nil {
			vlog.Error(err)
		}
		t.readersMu.Lock()
		delete(t.readers, shard)
		t.readersMu.Unlock()
		return t.readShardRange(ctx, shard, localOff, n)
	}
	for r.nScanned < localOff {
		if !r.scanner.Scan() {
			return nil, fmt.Errorf("container: %s shard %d: short read at row %d: %v", t.groupPath, shard, r.nScanned, r.scanner.Err())
		}
		r.nScanned++
	}
	out := make([]T, n)
	for i := int64(0); i < n; i++ {
		if !r.scanner.Scan() {
			return nil, fmt.Errorf("container: %s shard %d: short read at row %d: %v", t.groupPath, shard, r.nScanned, r.scanner.Err())
		}
		out[i] = r.scanner.Get().(T)
		r.nScanned++
	}
	return out, nil
}

// Len returns the table's current row count, as known to this rank
// after its last ReserveRows or WriteData call.
func (t *Table[T]) Len() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowCount
}

// Chunk returns the dataset's configured storage chunk size, or 0 if
// none was ever set via CreateDataset.
func (t *Table[T]) Chunk() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunk
}

func (t *Table[T]) path() string { return t.groupPath }

func (t *Table[T]) finish(ctx context.Context) error {
	if t.writer != nil {
		if err := t.writer.Finish(); err != nil {
			return writeErr("finish", t.dir, err)
		}
		if err := t.writerFile.Close(ctx); err != nil {
			return ioErr("close", t.dir, err)
		}
	}
	t.readersMu.Lock()
	for _, r := range t.readers {
		_ = r.f.Close(ctx)
	}
	t.readersMu.Unlock()
	return nil
}

func encodeGobLocal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGobLocal(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func encodeInt64(v int64) []byte {
	b, _ := encodeGobLocal(v)
	return b
}

func decodeInt64(b []byte) (int64, error) {
	var v int64
	if len(b) == 0 {
		return 0, nil
	}
	err := decodeGobLocal(b, &v)
	return v, err
}
