package state

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/tarungka/reflow/internal/logger"
)

// badgerBackend is the default operator state backend.
type badgerBackend struct {
	db *badger.DB
}

// OpenBadger opens a file-backed badger store at path.
func OpenBadger(path string) (Backend, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	log := logger.GetLogger("state")
	log.Debug().Str("path", path).Msg("opened badger state backend")
	return &badgerBackend{db: db}, nil
}

// OpenBadgerInMemory opens badger without a backing file. Used by tests that
// want badger semantics without disk.
func OpenBadgerInMemory() (Backend, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (b *badgerBackend) Put(key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (b *badgerBackend) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (b *badgerBackend) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cont, err := fn(item.KeyCopy(nil), val)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (b *badgerBackend) ApplyBatch(writes []Write) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			if w.Delete {
				if err := txn.Delete(w.Key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(w.Key, w.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) Close() error {
	return b.db.Close()
}
