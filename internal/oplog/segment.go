package oplog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const segmentWriterBufferSize = 64 * 1024

// segment is an open-for-append segment file.
type segment struct {
	info   *segmentInfo
	file   *os.File
	writer *bufio.Writer
}

func openSegmentForAppend(info *segmentInfo) (*segment, error) {
	f, err := os.OpenFile(info.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("oplog: open segment %s: %w", info.path, err)
	}
	if _, err := f.Seek(info.size, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &segment{
		info:   info,
		file:   f,
		writer: bufio.NewWriterSize(f, segmentWriterBufferSize),
	}, nil
}

func (s *segment) write(frame []byte) error {
	_, err := s.writer.Write(frame)
	return err
}

func (s *segment) sync() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// sparseIndex maps sequence numbers to file offsets, one entry per
// sparseEvery bytes. The first entry of a segment is always indexed.
type sparseIndex struct {
	entries []indexEntry
}

type indexEntry struct {
	Seq        uint64
	FileOffset int64
}

// maybeAdd records (seq, offset) when the index is empty or the file grew by
// at least stride since the last recorded entry.
func (idx *sparseIndex) maybeAdd(seq uint64, offset int64, stride int64) {
	if n := len(idx.entries); n > 0 && offset-idx.entries[n-1].FileOffset < stride {
		return
	}
	idx.entries = append(idx.entries, indexEntry{Seq: seq, FileOffset: offset})
}

// seek returns the largest indexed offset at or before seq.
func (idx *sparseIndex) seek(seq uint64) int64 {
	var offset int64
	for _, e := range idx.entries {
		if e.Seq > seq {
			break
		}
		offset = e.FileOffset
	}
	return offset
}

// save persists the index: [count u64] then per entry [seq u64][offset u64].
func (idx *sparseIndex) save(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.BigEndian, uint64(len(idx.entries))); err != nil {
		return err
	}
	for _, e := range idx.entries {
		if err := binary.Write(w, binary.BigEndian, e.Seq); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint64(e.FileOffset)); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// load reads a persisted index; a missing file yields an empty index.
func (idx *sparseIndex) load(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		idx.entries = nil
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var count uint64
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		if err == io.EOF {
			idx.entries = nil
			return nil
		}
		return err
	}
	if count > 1<<24 {
		return fmt.Errorf("oplog: implausible index entry count %d", count)
	}
	idx.entries = make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var seq, off uint64
		if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
			return err
		}
		if err := binary.Read(r, binary.BigEndian, &off); err != nil {
			return err
		}
		idx.entries = append(idx.entries, indexEntry{Seq: seq, FileOffset: int64(off)})
	}
	return nil
}
