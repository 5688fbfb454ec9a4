package state

import (
	"bytes"
	"errors"

	"github.com/cockroachdb/pebble"
)

// pebbleBackend is an LSM-backed alternative for write-heavy operator state.
type pebbleBackend struct {
	db *pebble.DB
}

// OpenPebble opens a pebble store at dir.
func OpenPebble(dir string) (Backend, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &pebbleBackend{db: db}, nil
}

func (b *pebbleBackend) Get(key []byte) ([]byte, error) {
	v, closer, err := b.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *pebbleBackend) Put(key, value []byte) error {
	return b.db.Set(key, value, pebble.NoSync)
}

func (b *pebbleBackend) Delete(key []byte) error {
	return b.db.Delete(key, pebble.NoSync)
}

func (b *pebbleBackend) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	upper := prefixUpperBound(prefix)
	opts := &pebble.IterOptions{LowerBound: prefix}
	if upper != nil {
		opts.UpperBound = upper
	}
	it, err := b.db.NewIter(opts)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		v, err := it.ValueAndErr()
		if err != nil {
			return err
		}
		cont, err := fn(it.Key(), v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Error()
}

func (b *pebbleBackend) ApplyBatch(writes []Write) error {
	batch := b.db.NewBatch()
	defer batch.Close()
	for _, w := range writes {
		if w.Delete {
			if err := batch.Delete(w.Key, nil); err != nil {
				return err
			}
			continue
		}
		if err := batch.Set(w.Key, w.Value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (b *pebbleBackend) Close() error {
	return b.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// prefix, or nil when the prefix is all 0xff.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
