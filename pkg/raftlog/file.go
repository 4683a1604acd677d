package raftlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	logFileName       = "raft.log"
	hardStateFileName = "hardstate"
)

// FileStore is a durable log: an append-only file of snappy compressed,
// checksummed records plus a separately replaced hard state file. The whole
// log is also kept in memory; shards are expected to fit.
type FileStore struct {
	dataDir string
	file    *os.File
	writer  *bufio.Writer

	entries []Entry
	offsets []int64 // file offset of each entry's record
	size    int64
	hard    HardState

	// Statistics
	bytesUncompressed uint64
	bytesWritten      uint64
	tornTail          bool

	// syncFile is replaced in tests to inject fsync failures
	syncFile func() error

	// broken is set when a failed write could not be rolled back
	broken error

	mu     sync.Mutex
	closed bool
}

// FileStoreStats holds write statistics
type FileStoreStats struct {
	Entries           int
	BytesUncompressed uint64
	BytesWritten      uint64
	RecoveredTornTail bool
}

// NewFileStore opens or creates the log under dataDir and replays it
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	s := &FileStore{dataDir: dataDir}

	hs, err := s.readHardState()
	if err != nil {
		return nil, err
	}
	s.hard = hs

	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("failed to recover log: %w", err)
	}

	file, err := os.OpenFile(s.logPath(), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	s.file = file
	s.writer = bufio.NewWriter(file)
	s.syncFile = file.Sync

	return s, nil
}

func (s *FileStore) logPath() string {
	return filepath.Join(s.dataDir, logFileName)
}

// recover replays every record. A torn or corrupt tail, left by a crash
// mid-write, is cut off; everything before it is kept.
func (s *FileStore) recover() error {
	file, err := os.Open(s.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		e, n, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if err == errTornRecord {
			s.tornTail = true
			break
		}
		if err != nil {
			return err
		}
		if e.Index != uint64(len(s.entries))+1 {
			return fmt.Errorf("%w: record %d found where %d expected", ErrCorrupt, e.Index, len(s.entries)+1)
		}
		s.entries = append(s.entries, e)
		s.offsets = append(s.offsets, offset)
		offset += n
	}
	s.size = offset

	if s.tornTail {
		if err := os.Truncate(s.logPath(), offset); err != nil {
			return fmt.Errorf("failed to cut torn tail: %w", err)
		}
	}
	return nil
}

// Append writes entries and syncs them before returning
func (s *FileStore) Append(entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	next := uint64(len(s.entries)) + 1
	for i, e := range entries {
		if e.Index != next+uint64(i) {
			return ErrNonContiguous
		}
	}

	offset := s.size
	offsets := make([]int64, 0, len(entries))
	var uncompressed uint64
	for _, e := range entries {
		rec := encodeRecord(e)
		if _, err := s.writer.Write(rec); err != nil {
			s.rollback()
			return fmt.Errorf("failed to write entry %d: %w", e.Index, err)
		}
		offsets = append(offsets, offset)
		offset += int64(len(rec))
		uncompressed += uint64(len(e.Payload))
	}
	if err := s.sync(); err != nil {
		s.rollback()
		return err
	}
	s.bytesUncompressed += uncompressed
	s.bytesWritten += uint64(offset - s.size)

	for _, e := range entries {
		e.Payload = append([]byte(nil), e.Payload...)
		s.entries = append(s.entries, e)
	}
	s.offsets = append(s.offsets, offsets...)
	s.size = offset
	return nil
}

func (s *FileStore) sync() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := s.syncFile(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return nil
}

// rollback drops whatever a failed Append left in the buffer or the file,
// so the file again ends at the last acknowledged record. If the file cannot
// be cut back the store refuses further writes.
func (s *FileStore) rollback() {
	s.writer.Reset(s.file)
	if err := s.file.Truncate(s.size); err != nil {
		s.broken = fmt.Errorf("%w: %v", ErrBroken, err)
	}
}

func (s *FileStore) usable() error {
	if s.closed {
		return ErrClosed
	}
	return s.broken
}

func (s *FileStore) Entry(index uint64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index == 0 || index > uint64(len(s.entries)) {
		return Entry{}, ErrNotFound
	}
	return s.entries[index-1], nil
}

func (s *FileStore) Entries(lo, hi uint64, max int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entriesIn(s.entries, lo, hi, max)
}

func (s *FileStore) Term(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index == 0 {
		return 0, nil
	}
	if index > uint64(len(s.entries)) {
		return 0, ErrNotFound
	}
	return s.entries[index-1].Term, nil
}

// TruncateFrom cuts the file at the record of index
func (s *FileStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if index == 0 {
		return ErrNotFound
	}
	if index > uint64(len(s.entries)) {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		return err
	}
	cut := s.offsets[index-1]
	if err := s.file.Truncate(cut); err != nil {
		return fmt.Errorf("failed to truncate log at %d: %w", index, err)
	}
	if err := s.syncFile(); err != nil {
		return err
	}

	s.entries = s.entries[:index-1]
	s.offsets = s.offsets[:index-1]
	s.size = cut
	return nil
}

func (s *FileStore) LastIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries))
}

func (s *FileStore) LastTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].Term
}

// SaveHardState atomically replaces the hard state file
func (s *FileStore) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if hs == s.hard {
		return nil
	}
	if err := writeFileAtomic(filepath.Join(s.dataDir, hardStateFileName), encodeHardState(hs)); err != nil {
		return err
	}
	s.hard = hs
	return nil
}

func (s *FileStore) LoadHardState() (HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hard, nil
}

func (s *FileStore) readHardState() (HardState, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, hardStateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return HardState{}, nil
		}
		return HardState{}, fmt.Errorf("failed to read hard state: %w", err)
	}
	return decodeHardState(data)
}

// GetStatistics returns write statistics
func (s *FileStore) GetStatistics() FileStoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return FileStoreStats{
		Entries:           len(s.entries),
		BytesUncompressed: s.bytesUncompressed,
		BytesWritten:      s.bytesWritten,
		RecoveredTornTail: s.tornTail,
	}
}

// Close flushes and closes the log file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

var _ Store = (*FileStore)(nil)
