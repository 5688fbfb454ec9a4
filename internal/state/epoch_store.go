package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// metaEpochKey stores the id of the last committed epoch. The 0xff prefix is
// reserved: encoded operator keys never start with it.
var metaEpochKey = []byte("\xffmeta/epoch")

type overlayEntry struct {
	value     []byte
	tombstone bool
}

// EpochStore wraps a Backend with an uncommitted overlay. Reads see the
// overlay first; Commit flushes the overlay plus the epoch marker in a single
// atomic batch. A crash before Commit loses the overlay, which is exactly the
// recovery contract: the backend always holds the state of the last committed
// epoch.
type EpochStore struct {
	backend Backend
	overlay map[string]overlayEntry
}

func NewEpochStore(backend Backend) *EpochStore {
	return &EpochStore{
		backend: backend,
		overlay: make(map[string]overlayEntry),
	}
}

func (s *EpochStore) Get(key []byte) ([]byte, error) {
	if e, ok := s.overlay[string(key)]; ok {
		if e.tombstone {
			return nil, ErrKeyNotFound
		}
		out := make([]byte, len(e.value))
		copy(out, e.value)
		return out, nil
	}
	return s.backend.Get(key)
}

func (s *EpochStore) Put(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.overlay[string(key)] = overlayEntry{value: v}
	return nil
}

func (s *EpochStore) Delete(key []byte) error {
	s.overlay[string(key)] = overlayEntry{tombstone: true}
	return nil
}

// Iterate merges overlay and backend in lexicographic key order.
func (s *EpochStore) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	dirty := make([]string, 0, len(s.overlay))
	for k := range s.overlay {
		if bytes.HasPrefix([]byte(k), prefix) {
			dirty = append(dirty, k)
		}
	}
	sort.Strings(dirty)

	i := 0
	halted := false
	stopped := errors.New("stop")
	emitOverlay := func(upto []byte) error {
		for i < len(dirty) && (upto == nil || dirty[i] < string(upto)) {
			e := s.overlay[dirty[i]]
			k := dirty[i]
			i++
			if e.tombstone {
				continue
			}
			cont, err := fn([]byte(k), e.value)
			if err != nil {
				return err
			}
			if !cont {
				halted = true
				return stopped
			}
		}
		return nil
	}

	err := s.backend.Iterate(prefix, func(key, value []byte) (bool, error) {
		if err := emitOverlay(key); err != nil {
			return false, err
		}
		if i < len(dirty) && dirty[i] == string(key) {
			e := s.overlay[dirty[i]]
			i++
			if e.tombstone {
				return true, nil
			}
			value = e.value
		}
		cont, err := fn(key, value)
		if err != nil {
			return false, err
		}
		if !cont {
			halted = true
			return false, stopped
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, stopped) {
			return nil
		}
		return err
	}
	if halted {
		return nil
	}
	if err := emitOverlay(nil); err != nil && !errors.Is(err, stopped) {
		return err
	}
	return nil
}

// Commit atomically persists all buffered writes together with the epoch
// marker and an undo log of the pre-images, then clears the overlay. Undo
// entries of the previous epoch are pruned in the same batch; the store can
// roll back at most one epoch.
func (s *EpochStore) Commit(epochID uint64) error {
	writes, err := s.buildUndo(epochID)
	if err != nil {
		return err
	}
	if epochID > 0 {
		prunes, err := s.pruneUndo(epochID - 1)
		if err != nil {
			return err
		}
		writes = append(writes, prunes...)
	}
	for k, e := range s.overlay {
		writes = append(writes, Write{Key: []byte(k), Value: e.value, Delete: e.tombstone})
	}
	epochBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBuf, epochID)
	writes = append(writes, Write{Key: metaEpochKey, Value: epochBuf})

	if err := s.backend.ApplyBatch(writes); err != nil {
		return err
	}
	s.overlay = make(map[string]overlayEntry)
	return nil
}

// CommittedEpoch returns the last committed epoch id, or ok=false for a fresh
// store.
func (s *EpochStore) CommittedEpoch() (uint64, bool, error) {
	v, err := s.backend.Get(metaEpochKey)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, errors.New("state: corrupt epoch marker")
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// Discard drops uncommitted writes.
func (s *EpochStore) Discard() {
	s.overlay = make(map[string]overlayEntry)
}

// Close closes the underlying backend; uncommitted writes are dropped.
func (s *EpochStore) Close() error {
	s.overlay = nil
	return s.backend.Close()
}
