package container

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/minio/highwayhash"
)

// checksumKey is a fixed, all-zero highwayhash key. rowflow only uses
// the hash to detect accidental divergence between ranks' views of the
// same row range, not as a security primitive, so a constant key is
// fine, same spirit as fusion/postprocess.go's zeroSeed.
var checksumKey = make([]byte, highwayhash.Size)

// RowChecksum hashes a contiguous row range of a Table so two ranks (or
// two runs) can cheaply confirm they agree on its contents without
// comparing every row byte for byte.
func RowChecksum[T any](ctx context.Context, t *Table[T], start, n int64) ([highwayhash.Size]uint8, error) {
	rows, err := t.ReadRows(ctx, start, n)
	if err != nil {
		return [highwayhash.Size]uint8{}, err
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	for i := range rows {
		b, err := encodeGobLocal(rows[i])
		if err != nil {
			return [highwayhash.Size]uint8{}, err
		}
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	return highwayhash.Sum(buf.Bytes(), checksumKey), nil
}
