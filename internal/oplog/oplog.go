// Package oplog is the per-endpoint append-only operation log. Entries are
// CRC-framed and written into size-bounded segment files; a sparse index
// beside each segment lets readers seek to any sequence number without
// scanning from the start. Out-of-process API servers tail these files.
package oplog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/reflow/internal/logger"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed log.
	ErrClosed = errors.New("oplog: log is closed")
	// ErrCorrupted is returned when an entry fails its checksum.
	ErrCorrupted = errors.New("oplog: corruption detected")
	// ErrSeqNotFound is returned when a requested sequence is not in the log.
	ErrSeqNotFound = errors.New("oplog: sequence not found")
)

const (
	segmentExtension = ".log"
	indexExtension   = ".idx"

	// entry framing: [len u32][crc u32][epoch u64][seq u64][payload]
	frameHeaderSize = 4
	entryHeaderSize = 4 + 8 + 8

	// sparseEvery is the target byte distance between index entries.
	sparseEvery = 1 << 20
)

// Config tunes a log.
type Config struct {
	// SegmentSize is the rotation threshold in bytes.
	SegmentSize int64
	// SyncOnAppend forces an fsync after every append.
	SyncOnAppend bool
	// SyncInterval drives the background sync loop when SyncOnAppend is off.
	SyncInterval time.Duration
}

// DefaultConfig returns the default log tuning.
func DefaultConfig() Config {
	return Config{
		SegmentSize:  128 * 1024 * 1024,
		SyncInterval: 100 * time.Millisecond,
	}
}

// Entry is one logged operation.
type Entry struct {
	Seq     uint64
	EpochID uint64
	Data    []byte
}

// Log is a single endpoint's operation log.
type Log struct {
	dir string
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	segments []*segmentInfo
	active   *segment
	nextSeq  uint64
	closed   bool

	acks map[string]uint64

	syncStop chan struct{}
	syncDone chan struct{}
}

// segmentInfo is the in-memory metadata of one on-disk segment.
type segmentInfo struct {
	path      string
	indexPath string
	startSeq  uint64
	endSeq    uint64 // inclusive; meaningless while the segment is empty
	size      int64
	index     sparseIndex
}

// contains reports whether the segment holds the entry with the given
// sequence. Empty segments hold nothing.
func (s *segmentInfo) contains(seq uint64) bool {
	return s.size > 0 && s.startSeq <= seq && seq <= s.endSeq
}

// Open opens (or creates) the log in dir and recovers its state from the
// existing segment files.
func Open(dir string, cfg Config) (*Log, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultConfig().SegmentSize
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("oplog: create directory %s: %w", dir, err)
	}

	l := &Log{
		dir:      dir,
		cfg:      cfg,
		log:      logger.GetLogger("oplog").With().Str("dir", dir).Logger(),
		acks:     make(map[string]uint64),
		syncStop: make(chan struct{}),
		syncDone: make(chan struct{}),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	if l.active == nil {
		if err := l.rotate(); err != nil {
			return nil, err
		}
	}

	if !cfg.SyncOnAppend {
		go l.syncLoop()
	} else {
		close(l.syncDone)
	}

	l.log.Info().
		Int("segments", len(l.segments)).
		Uint64("next_seq", l.nextSeq).
		Msg("oplog opened")
	return l, nil
}

// Append writes one entry and returns its sequence number.
func (l *Log) Append(epochID uint64, data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	if l.active.info.size >= l.cfg.SegmentSize {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	seq := l.nextSeq
	frame := encodeFrame(epochID, seq, data)
	offset := l.active.info.size
	if err := l.active.write(frame); err != nil {
		return 0, fmt.Errorf("oplog: write entry: %w", err)
	}

	info := l.active.info
	info.size += int64(len(frame))
	info.endSeq = seq
	info.index.maybeAdd(seq, offset, sparseEvery)
	l.nextSeq = seq + 1

	if l.cfg.SyncOnAppend {
		if err := l.active.sync(); err != nil {
			return 0, fmt.Errorf("oplog: sync: %w", err)
		}
	}
	return seq, nil
}

// NextSeq returns the sequence the next append will get.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Sync flushes and fsyncs the active segment and persists its sparse index.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.active.sync(); err != nil {
		return err
	}
	return l.active.info.index.save(l.active.info.indexPath)
}

// Ack records the latest sequence a reader has durably consumed. Truncation
// never removes entries at or after the oldest acknowledged sequence.
func (l *Log) Ack(readerID string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.acks[readerID]; !ok || seq > cur {
		l.acks[readerID] = seq
	}
}

// Truncate removes whole segments that every registered reader has moved
// past. With no readers registered nothing is removed.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if len(l.acks) == 0 {
		return nil
	}
	oldest := l.nextSeq
	for _, seq := range l.acks {
		if seq < oldest {
			oldest = seq
		}
	}

	kept := l.segments[:0]
	for _, info := range l.segments {
		if info != l.active.info && info.size > 0 && info.endSeq < oldest {
			l.log.Info().Str("segment", info.path).Uint64("end_seq", info.endSeq).Msg("truncating segment")
			os.Remove(info.path)
			os.Remove(info.indexPath)
			continue
		}
		kept = append(kept, info)
	}
	l.segments = kept
	return nil
}

// Close syncs and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if !l.cfg.SyncOnAppend {
		close(l.syncStop)
		<-l.syncDone
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		if err := l.active.sync(); err != nil {
			return err
		}
		if err := l.active.info.index.save(l.active.info.indexPath); err != nil {
			return err
		}
		return l.active.close()
	}
	return nil
}

func (l *Log) syncLoop() {
	defer close(l.syncDone)
	ticker := time.NewTicker(l.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if !l.closed && l.active != nil {
				if err := l.active.sync(); err != nil {
					l.log.Error().Err(err).Msg("background sync failed")
				}
			}
			l.mu.Unlock()
		case <-l.syncStop:
			return
		}
	}
}

// rotate seals the active segment and starts a new one at nextSeq.
func (l *Log) rotate() error {
	if l.active != nil {
		if err := l.active.sync(); err != nil {
			return err
		}
		if err := l.active.info.index.save(l.active.info.indexPath); err != nil {
			return err
		}
		if err := l.active.close(); err != nil {
			return err
		}
	}

	base := fmt.Sprintf("%020d", l.nextSeq)
	info := &segmentInfo{
		path:      filepath.Join(l.dir, base+segmentExtension),
		indexPath: filepath.Join(l.dir, base+indexExtension),
		startSeq:  l.nextSeq,
		endSeq:    l.nextSeq - 1,
	}
	seg, err := openSegmentForAppend(info)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, info)
	l.active = seg
	l.log.Debug().Str("segment", info.path).Msg("rotated segment")
	return nil
}

// recover scans the directory, rebuilds segment metadata and truncates any
// torn tail of the last segment.
func (l *Log) recover() error {
	paths, err := filepath.Glob(filepath.Join(l.dir, "*"+segmentExtension))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	for i, path := range paths {
		startSeq, err := parseSegmentStart(path)
		if err != nil {
			l.log.Warn().Str("path", path).Err(err).Msg("skipping unparseable segment file")
			continue
		}
		info := &segmentInfo{
			path:      path,
			indexPath: strings.TrimSuffix(path, segmentExtension) + indexExtension,
			startSeq:  startSeq,
			endSeq:    startSeq - 1,
		}
		repair := i == len(paths)-1
		if err := scanSegment(info, repair); err != nil {
			return fmt.Errorf("oplog: recover %s: %w", path, err)
		}
		l.segments = append(l.segments, info)
		if info.size > 0 {
			l.nextSeq = info.endSeq + 1
		} else {
			l.nextSeq = info.startSeq
		}
	}

	if n := len(l.segments); n > 0 {
		last := l.segments[n-1]
		seg, err := openSegmentForAppend(last)
		if err != nil {
			return err
		}
		l.active = seg
	}
	return nil
}

func parseSegmentStart(path string) (uint64, error) {
	base := strings.TrimSuffix(filepath.Base(path), segmentExtension)
	return strconv.ParseUint(base, 10, 64)
}

func encodeFrame(epochID, seq uint64, data []byte) []byte {
	payload := make([]byte, entryHeaderSize+len(data))
	binary.BigEndian.PutUint64(payload[4:], epochID)
	binary.BigEndian.PutUint64(payload[12:], seq)
	copy(payload[20:], data)
	crc := crc32.ChecksumIEEE(payload[4:])
	binary.BigEndian.PutUint32(payload, crc)

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// decodePayload parses an entry payload (everything after the length prefix).
func decodePayload(payload []byte) (Entry, error) {
	if len(payload) < entryHeaderSize {
		return Entry{}, fmt.Errorf("%w: short entry", ErrCorrupted)
	}
	crc := binary.BigEndian.Uint32(payload)
	if crc32.ChecksumIEEE(payload[4:]) != crc {
		return Entry{}, ErrCorrupted
	}
	e := Entry{
		EpochID: binary.BigEndian.Uint64(payload[4:]),
		Seq:     binary.BigEndian.Uint64(payload[12:]),
	}
	if len(payload) > entryHeaderSize {
		e.Data = make([]byte, len(payload)-entryHeaderSize)
		copy(e.Data, payload[entryHeaderSize:])
	}
	return e, nil
}

// scanSegment walks a segment file, filling endSeq, size and the sparse
// index. With repair set, a torn or corrupt tail is truncated away instead of
// failing recovery.
func scanSegment(info *segmentInfo, repair bool) error {
	f, err := os.Open(info.path)
	if err != nil {
		return err
	}
	defer f.Close()

	// A previously saved index is only a seek aid; the scan rebuilds it so a
	// stale index cannot hide appended entries.
	info.index = sparseIndex{}

	var offset int64
	lenBuf := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(f, lenBuf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) && repair {
				return truncateTail(info, offset)
			}
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf)
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			if repair {
				return truncateTail(info, offset)
			}
			return fmt.Errorf("%w: torn entry at offset %d", ErrCorrupted, offset)
		}
		entry, err := decodePayload(payload)
		if err != nil {
			if repair {
				return truncateTail(info, offset)
			}
			return err
		}

		info.index.maybeAdd(entry.Seq, offset, sparseEvery)
		info.endSeq = entry.Seq
		offset += int64(frameHeaderSize + len(payload))
		info.size = offset
	}
}

func truncateTail(info *segmentInfo, goodSize int64) error {
	if err := os.Truncate(info.path, goodSize); err != nil {
		return err
	}
	info.size = goodSize
	return nil
}
