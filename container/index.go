package container

import (
	"bytes"
	"context"
	"encoding/gob"
	"path"

	"github.com/golang/snappy"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/pkg/errors"
)

// refRegionFile is, within a ref subtree's directory, the single-block
// recordio file holding the snappy-compressed, gob-encoded ref_region
// array. Grounded on encoding/pam/pamutil/index.go's ShardIndexPath
// convention of one small recordio file per index, and on
// cmd/bio-bam-sort/sorter/sortshard.go's practice of snappy-compressing
// the payload itself rather than relying on a recordio transformer.
const refRegionFile = "ref_region.rio"

func writeRefRegions(ctx context.Context, dir string, regions []RefRegion) error {
	p := path.Join(dir, refRegionFile)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(regions); err != nil {
		return errors.Wrapf(err, "encoding ref_region for %s", dir)
	}
	compressed := snappy.Encode(nil, buf.Bytes())

	out, err := file.Create(ctx, p)
	if err != nil {
		return errors.Wrapf(ioErr("create", p, err), "writing ref_region")
	}
	rio := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{})
	rio.Append(compressed)
	if err := rio.Finish(); err != nil {
		_ = out.Close(ctx)
		return errors.Wrapf(err, "finishing ref_region recordio %s", p)
	}
	return errors.Wrapf(out.Close(ctx), "closing ref_region %s", p)
}

func readRefRegions(ctx context.Context, dir string) ([]RefRegion, error) {
	p := path.Join(dir, refRegionFile)
	if _, err := file.Stat(ctx, p); err != nil {
		return nil, nil
	}
	in, err := file.Open(ctx, p)
	if err != nil {
		return nil, errors.Wrapf(ioErr("open", p, err), "reading ref_region")
	}
	defer in.Close(ctx)

	scanner := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	defer scanner.Finish() // nolint: errcheck
	if !scanner.Scan() {
		return nil, errors.Wrapf(scanner.Err(), "ref_region %s: empty recordio", p)
	}
	compressed := scanner.Get().([]byte)
	plain, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing ref_region %s", p)
	}
	var regions []RefRegion
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&regions); err != nil {
		return nil, errors.Wrapf(err, "decoding ref_region %s", p)
	}
	return regions, scanner.Err()
}
