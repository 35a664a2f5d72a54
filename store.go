package daytable

import (
	"errors"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrClosed   = errors.New("day table is closed")
	ErrBadKey   = errors.New("malformed key")
	ErrNoSource = errors.New("content source is required")
)

// loadRecord reads and decodes one msgpack record. Missing keys return
// (false, nil); decode failures are errors so callers can log and skip.
func loadRecord(r pebble.Reader, key []byte, out any) (bool, error) {
	val, clo, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer clo.Close()
	if err = msgpack.Unmarshal(val, out); err != nil {
		return false, err
	}
	return true, nil
}

// putRecord encodes and writes one record into the batch.
func putRecord(b *pebble.Batch, key []byte, rec any) error {
	enc, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Set(key, enc, nil)
}

// putRecordIfChanged skips the write when the stored bytes already match,
// keeping repeated rebuilds of unchanged input byte-identical and cheap.
// Returns whether a write was issued.
func putRecordIfChanged(r pebble.Reader, b *pebble.Batch, key []byte, rec any) (bool, error) {
	enc, err := msgpack.Marshal(rec)
	if err != nil {
		return false, err
	}
	old, clo, err := r.Get(key)
	if err == nil {
		same := len(old) == len(enc) && xxhash.Sum64(old) == xxhash.Sum64(enc)
		_ = clo.Close()
		if same {
			return false, nil
		}
	} else if err != pebble.ErrNotFound {
		return false, err
	}
	return true, b.Set(key, enc, nil)
}

// deleteRange removes a whole key family.
func deleteRange(b *pebble.Batch, lo, hi []byte) error {
	return b.DeleteRange(lo, hi, nil)
}
