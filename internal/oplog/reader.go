package oplog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Reader streams entries from a log starting at an arbitrary sequence. It
// reads the segment files directly, so it also works out-of-process against
// a live writer; entries past the last synced byte surface as io.EOF until
// the writer syncs, after which the reader transparently re-seeks.
type Reader struct {
	log     *Log
	nextSeq uint64

	file  *os.File
	br    *bufio.Reader
	stale bool // reposition before the next read
}

// NewReader positions a reader at fromSeq.
func (l *Log) NewReader(fromSeq uint64) (*Reader, error) {
	r := &Reader{log: l, nextSeq: fromSeq}
	if err := r.open(fromSeq); err != nil {
		return nil, err
	}
	return r, nil
}

// open seeks to the segment containing seq using the sparse index and scans
// forward until the next frame is the requested one.
func (r *Reader) open(seq uint64) error {
	r.closeFile()

	r.log.mu.Lock()
	var target *segmentInfo
	for _, info := range r.log.segments {
		if info.contains(seq) {
			target = info
			break
		}
	}
	// Reading at the head of the log: position at the end of the active
	// segment and wait for data.
	if target == nil && r.log.active != nil && seq == r.log.nextSeq {
		target = r.log.active.info
	}
	if target == nil {
		r.log.mu.Unlock()
		return fmt.Errorf("%w: seq %d", ErrSeqNotFound, seq)
	}
	offset := target.index.seek(seq)
	path := target.path
	r.log.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.br = bufio.NewReaderSize(f, segmentWriterBufferSize)
	r.stale = false

	// Skip frames below the requested sequence using header peeks only; the
	// payload is not consumed.
	for {
		entrySeq, size, err := r.peekHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if entrySeq >= seq {
			if entrySeq > seq {
				return fmt.Errorf("%w: seq %d", ErrSeqNotFound, seq)
			}
			return nil
		}
		if err := r.discard(size); err != nil {
			return err
		}
	}
}

// Next returns the next entry, or io.EOF at the current end of the log.
func (r *Reader) Next() (Entry, error) {
	reopened := false
	if r.stale {
		if err := r.open(r.nextSeq); err != nil {
			if errors.Is(err, ErrSeqNotFound) {
				return Entry{}, io.EOF
			}
			return Entry{}, err
		}
		reopened = true
	}

	entry, err := r.readFrame()
	if err == nil {
		r.nextSeq = entry.Seq + 1
		return entry, nil
	}
	if !errors.Is(err, io.EOF) {
		return Entry{}, err
	}

	// End of the open segment: a later segment may continue the stream.
	r.stale = true
	r.log.mu.Lock()
	var more bool
	for _, info := range r.log.segments {
		if info.contains(r.nextSeq) {
			more = true
			break
		}
	}
	r.log.mu.Unlock()

	// Having just re-seeked into the segment that holds nextSeq, an EOF means
	// its bytes are not on disk yet.
	if !more || reopened {
		return Entry{}, io.EOF
	}
	return r.Next()
}

// peekHeader parses the frame length and sequence of the next frame without
// consuming anything. Incomplete tails read as io.EOF.
func (r *Reader) peekHeader() (seq uint64, frameSize int, err error) {
	if r.br == nil {
		return 0, 0, io.EOF
	}
	head, err := r.br.Peek(frameHeaderSize + entryHeaderSize)
	if err != nil {
		return 0, 0, io.EOF
	}
	n := binary.BigEndian.Uint32(head)
	if int(n) < entryHeaderSize {
		return 0, 0, fmt.Errorf("%w: undersized frame", ErrCorrupted)
	}
	seq = binary.BigEndian.Uint64(head[frameHeaderSize+12:])
	return seq, frameHeaderSize + int(n), nil
}

// readFrame consumes one full frame and verifies its checksum. A frame that
// is only partially on disk reads as io.EOF and marks the reader stale so the
// next call re-seeks.
func (r *Reader) readFrame() (Entry, error) {
	_, size, err := r.peekHeader()
	if err != nil {
		return Entry{}, err
	}
	payload := make([]byte, size-frameHeaderSize)
	if _, err := r.br.Discard(frameHeaderSize); err != nil {
		r.stale = true
		return Entry{}, io.EOF
	}
	if _, err := io.ReadFull(r.br, payload); err != nil {
		r.stale = true
		return Entry{}, io.EOF
	}
	return decodePayload(payload)
}

func (r *Reader) discard(n int) error {
	_, err := r.br.Discard(n)
	return err
}

// Seek repositions the reader.
func (r *Reader) Seek(seq uint64) error {
	r.nextSeq = seq
	return r.open(seq)
}

// NextSeq returns the sequence the next call to Next will return.
func (r *Reader) NextSeq() uint64 { return r.nextSeq }

func (r *Reader) closeFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.br = nil
	}
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	r.closeFile()
	return nil
}
