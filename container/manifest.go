package container

import (
	"bytes"
	"context"
	"encoding/gob"
	"path"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

// manifestFile is the name, within a group's data directory, of the
// small recordio-free blob that lets a freshly-opened Table find every
// shard written by a prior run without scanning the directory. It is
// rewritten wholesale by rank 0 after every WriteData round, which is
// cheap because its size is proportional to the number of writing
// ranks times the number of WriteData calls, not to the row count.
const manifestFile = "manifest.gob"

type manifestOnDisk struct {
	Fingerprint uint64
	RowCount    int64
	Chunk       int64
	Entries     []manifestEntry
}

func writeManifest(ctx context.Context, dir string, fp uint64, entries []manifestEntry, rowCount, chunk int64) error {
	p := path.Join(dir, manifestFile)
	f, err := file.Create(ctx, p)
	if err != nil {
		return errors.Wrapf(ioErr("create", p, err), "writing manifest")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(manifestOnDisk{Fingerprint: fp, RowCount: rowCount, Chunk: chunk, Entries: entries}); err != nil {
		_ = f.Close(ctx)
		return errors.Wrapf(err, "encoding manifest for %s", dir)
	}
	if _, err := f.Writer(ctx).Write(buf.Bytes()); err != nil {
		_ = f.Close(ctx)
		return errors.Wrapf(ioErr("write", p, err), "writing manifest")
	}
	return errors.Wrapf(f.Close(ctx), "closing manifest %s", p)
}

// readManifest loads a prior run's manifest, if any. ok is false when no
// manifest exists yet, which is the normal case for a brand new dataset.
// Mirrors encoding/pam/sharder.go's fieldFileSize idiom of probing with
// file.Stat rather than relying on a sentinel not-exist error.
func readManifest(ctx context.Context, dir string) (entries []manifestEntry, fp uint64, rowCount, chunk int64, ok bool, err error) {
	p := path.Join(dir, manifestFile)
	if _, statErr := file.Stat(ctx, p); statErr != nil {
		return nil, 0, 0, 0, false, nil
	}
	f, openErr := file.Open(ctx, p)
	if openErr != nil {
		return nil, 0, 0, 0, false, errors.Wrapf(ioErr("open", p, openErr), "reading manifest")
	}
	defer f.Close(ctx)

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f.Reader(ctx)); err != nil {
		return nil, 0, 0, 0, false, errors.Wrapf(err, "reading manifest %s", p)
	}
	var m manifestOnDisk
	if err := gob.NewDecoder(&buf).Decode(&m); err != nil {
		return nil, 0, 0, 0, false, errors.Wrapf(err, "decoding manifest %s", p)
	}
	return m.Entries, m.Fingerprint, m.RowCount, m.Chunk, true, nil
}
