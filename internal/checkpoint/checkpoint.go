// Package checkpoint persists the durable epoch record: for every committed
// epoch, the high-watermark position of each source. On restart the last
// record is the single source of truth for where sources resume and which
// epoch operator state must restore to.
package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/tarungka/reflow/internal/encoding"
	"github.com/tarungka/reflow/internal/logger"
	"github.com/tarungka/reflow/internal/types"
)

var (
	epochsBucket = []byte("epochs")
	metaBucket   = []byte("meta")
	lastKey      = []byte("last_epoch_id")
)

// Store is the on-disk checkpoint record, a small bbolt database. Written
// only by the epoch manager; read at startup.
type Store struct {
	db  *bolt.DB
	log zerolog.Logger
}

// Open opens (or creates) the checkpoint store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(epochsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: init buckets: %w", err)
	}
	return &Store{db: db, log: logger.GetLogger("checkpoint")}, nil
}

// Record durably stores a completed epoch and advances the last epoch id.
func (s *Store) Record(epoch types.Epoch) error {
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, epoch.ID)

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(epochsBucket).Put(idBuf, encoding.EncodeSourcePositions(epoch.SourcePositions)); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(lastKey, idBuf)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: record epoch %d: %w", epoch.ID, err)
	}
	s.log.Debug().Uint64("epoch", epoch.ID).Int("sources", len(epoch.SourcePositions)).Msg("recorded epoch")
	return nil
}

// Last returns the most recent durable epoch, or ok=false for a fresh store.
func (s *Store) Last() (types.Epoch, bool, error) {
	var epoch types.Epoch
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		idBuf := tx.Bucket(metaBucket).Get(lastKey)
		if idBuf == nil {
			return nil
		}
		if len(idBuf) != 8 {
			return fmt.Errorf("corrupt last epoch id")
		}
		id := binary.BigEndian.Uint64(idBuf)
		data := tx.Bucket(epochsBucket).Get(idBuf)
		if data == nil {
			return fmt.Errorf("epoch %d missing from epochs bucket", id)
		}
		positions, err := encoding.DecodeSourcePositions(data)
		if err != nil {
			return err
		}
		epoch = types.Epoch{ID: id, SourcePositions: positions}
		found = true
		return nil
	})
	if err != nil {
		return types.Epoch{}, false, fmt.Errorf("checkpoint: read last epoch: %w", err)
	}
	return epoch, found, nil
}

// Get returns the record for a specific epoch id.
func (s *Store) Get(id uint64) (types.Epoch, bool, error) {
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, id)

	var epoch types.Epoch
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(epochsBucket).Get(idBuf)
		if data == nil {
			return nil
		}
		positions, err := encoding.DecodeSourcePositions(data)
		if err != nil {
			return err
		}
		epoch = types.Epoch{ID: id, SourcePositions: positions}
		found = true
		return nil
	})
	if err != nil {
		return types.Epoch{}, false, err
	}
	return epoch, found, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
