package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Undo log layout: \xffundo/<epoch BE8>/<key> -> [1 byte had][old value].
// Commit writes one undo entry per dirty key and prunes the entries of the
// previous epoch, so the store can always be rolled back exactly one
// epoch. That covers the crash window between an operator committing epoch E
// and the checkpoint store recording E.
var undoPrefix = []byte("\xffundo/")

func undoKey(epochID uint64, key []byte) []byte {
	out := make([]byte, 0, len(undoPrefix)+8+1+len(key))
	out = append(out, undoPrefix...)
	out = binary.BigEndian.AppendUint64(out, epochID)
	out = append(out, '/')
	return append(out, key...)
}

func undoEpochPrefix(epochID uint64) []byte {
	out := make([]byte, 0, len(undoPrefix)+9)
	out = append(out, undoPrefix...)
	out = binary.BigEndian.AppendUint64(out, epochID)
	return append(out, '/')
}

// buildUndo captures the pre-image of every dirty key.
func (s *EpochStore) buildUndo(epochID uint64) ([]Write, error) {
	writes := make([]Write, 0, len(s.overlay)+1)
	for k := range s.overlay {
		old, err := s.backend.Get([]byte(k))
		switch {
		case errors.Is(err, ErrKeyNotFound):
			writes = append(writes, Write{Key: undoKey(epochID, []byte(k)), Value: []byte{0}})
		case err != nil:
			return nil, err
		default:
			v := make([]byte, 1+len(old))
			v[0] = 1
			copy(v[1:], old)
			writes = append(writes, Write{Key: undoKey(epochID, []byte(k)), Value: v})
		}
	}
	return writes, nil
}

// pruneUndo returns deletes for all undo entries of the given epoch.
func (s *EpochStore) pruneUndo(epochID uint64) ([]Write, error) {
	var writes []Write
	prefix := undoEpochPrefix(epochID)
	err := s.backend.Iterate(prefix, func(key, _ []byte) (bool, error) {
		k := make([]byte, len(key))
		copy(k, key)
		writes = append(writes, Write{Key: k, Delete: true})
		return true, nil
	})
	return writes, err
}

// RestoreTo prepares the store for resumption at the given epoch. A store
// exactly one epoch ahead is rolled back using its undo log; a store at the
// target is left untouched; anything else is unrecoverable.
func (s *EpochStore) RestoreTo(targetEpoch uint64, haveCheckpoint bool) error {
	s.Discard()

	committed, ok, err := s.CommittedEpoch()
	if err != nil {
		return err
	}
	if !ok {
		// Fresh store: fine as long as there is nothing to restore.
		if haveCheckpoint {
			return fmt.Errorf("state: store is empty but checkpoint expects epoch %d", targetEpoch)
		}
		return nil
	}
	if !haveCheckpoint {
		// The first epoch can land in operator state before any checkpoint
		// record exists; roll it back and start over.
		switch committed {
		case 0:
			return nil
		case 1:
			return s.rollback(1)
		default:
			return fmt.Errorf("state: store committed epoch %d but no checkpoint exists", committed)
		}
	}

	switch {
	case committed == targetEpoch:
		return nil
	case committed == targetEpoch+1:
		return s.rollback(committed)
	default:
		return fmt.Errorf("state: store at epoch %d cannot restore to %d", committed, targetEpoch)
	}
}

func (s *EpochStore) rollback(fromEpoch uint64) error {
	prefix := undoEpochPrefix(fromEpoch)
	var writes []Write
	err := s.backend.Iterate(prefix, func(key, value []byte) (bool, error) {
		if len(value) < 1 {
			return false, fmt.Errorf("state: corrupt undo entry")
		}
		orig := make([]byte, len(key)-len(prefix))
		copy(orig, bytes.TrimPrefix(key, prefix))

		if value[0] == 0 {
			writes = append(writes, Write{Key: orig, Delete: true})
		} else {
			v := make([]byte, len(value)-1)
			copy(v, value[1:])
			writes = append(writes, Write{Key: orig, Value: v})
		}
		k := make([]byte, len(key))
		copy(k, key)
		writes = append(writes, Write{Key: k, Delete: true})
		return true, nil
	})
	if err != nil {
		return err
	}

	epochBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBuf, fromEpoch-1)
	writes = append(writes, Write{Key: metaEpochKey, Value: epochBuf})
	return s.backend.ApplyBatch(writes)
}
