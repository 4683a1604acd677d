package raftlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func entriesFrom(start uint64, terms ...uint64) []Entry {
	out := make([]Entry, len(terms))
	for i, term := range terms {
		idx := start + uint64(i)
		out[i] = Entry{Index: idx, Term: term, Payload: []byte{byte(idx), byte(term)}}
	}
	return out
}

// storeFactories runs the same behaviour checks against every Store
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"file": func() Store {
			s, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("Failed to create file store: %v", err)
			}
			return s
		},
	}
}

// TestStore_AppendAndRead tests contiguous appends and reads
func TestStore_AppendAndRead(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			if s.LastIndex() != 0 || s.LastTerm() != 0 {
				t.Fatalf("empty store: last = (%d, %d)", s.LastIndex(), s.LastTerm())
			}
			if term, err := s.Term(0); err != nil || term != 0 {
				t.Errorf("Term(0) = %d, %v", term, err)
			}

			if err := s.Append(entriesFrom(1, 1, 1, 2)...); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if s.LastIndex() != 3 || s.LastTerm() != 2 {
				t.Errorf("last = (%d, %d), want (3, 2)", s.LastIndex(), s.LastTerm())
			}

			e, err := s.Entry(2)
			if err != nil {
				t.Fatalf("Entry(2) failed: %v", err)
			}
			if e.Term != 1 || !bytes.Equal(e.Payload, []byte{2, 1}) {
				t.Errorf("Entry(2) = %+v", e)
			}

			if _, err := s.Entry(4); !errors.Is(err, ErrNotFound) {
				t.Errorf("Entry(4) error = %v, want ErrNotFound", err)
			}
		})
	}
}

// TestStore_RejectsGaps tests that appends must continue the log
func TestStore_RejectsGaps(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			if err := s.Append(entriesFrom(2, 1)...); !errors.Is(err, ErrNonContiguous) {
				t.Errorf("Append at 2 on empty log error = %v, want ErrNonContiguous", err)
			}
			if s.LastIndex() != 0 {
				t.Errorf("rejected append changed the log: last = %d", s.LastIndex())
			}
		})
	}
}

// TestStore_EntriesRange tests range reads and batch limits
func TestStore_EntriesRange(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			if err := s.Append(entriesFrom(1, 1, 1, 1, 2, 2)...); err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			got, err := s.Entries(2, 5, 0)
			if err != nil {
				t.Fatalf("Entries failed: %v", err)
			}
			if len(got) != 4 || got[0].Index != 2 || got[3].Index != 5 {
				t.Errorf("Entries(2, 5) = %+v", got)
			}

			got, _ = s.Entries(2, 5, 2)
			if len(got) != 2 || got[1].Index != 3 {
				t.Errorf("Entries(2, 5, max 2) = %+v", got)
			}

			got, err = s.Entries(6, 5, 0)
			if err != nil || len(got) != 0 {
				t.Errorf("empty range = %+v, %v", got, err)
			}

			if _, err := s.Entries(4, 9, 0); !errors.Is(err, ErrNotFound) {
				t.Errorf("range past end error = %v, want ErrNotFound", err)
			}
		})
	}
}

// TestStore_TruncateFrom tests removing a conflicting suffix
func TestStore_TruncateFrom(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			if err := s.Append(entriesFrom(1, 1, 1, 2, 2)...); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if err := s.TruncateFrom(3); err != nil {
				t.Fatalf("TruncateFrom failed: %v", err)
			}
			if s.LastIndex() != 2 || s.LastTerm() != 1 {
				t.Errorf("after truncate last = (%d, %d), want (2, 1)", s.LastIndex(), s.LastTerm())
			}

			if err := s.Append(entriesFrom(3, 3)...); err != nil {
				t.Fatalf("Append after truncate failed: %v", err)
			}
			if term, _ := s.Term(3); term != 3 {
				t.Errorf("Term(3) = %d, want 3", term)
			}

			if err := s.TruncateFrom(10); err != nil {
				t.Errorf("TruncateFrom past end error = %v", err)
			}
		})
	}
}

// TestStore_HardState tests saving and loading term and vote
func TestStore_HardState(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			hs, err := s.LoadHardState()
			if err != nil || hs != (HardState{}) {
				t.Fatalf("initial hard state = %+v, %v", hs, err)
			}

			want := HardState{Term: 4, VotedFor: 2}
			if err := s.SaveHardState(want); err != nil {
				t.Fatalf("SaveHardState failed: %v", err)
			}
			if got, _ := s.LoadHardState(); got != want {
				t.Errorf("LoadHardState() = %+v, want %+v", got, want)
			}
		})
	}
}

// TestFileStore_Reopen tests that log and hard state survive a restart
func TestFileStore_Reopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	if err := s.Append(entriesFrom(1, 1, 1, 2, 2)...); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.TruncateFrom(4); err != nil {
		t.Fatalf("TruncateFrom failed: %v", err)
	}
	if err := s.Append(entriesFrom(4, 3)...); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.SaveHardState(HardState{Term: 3, VotedFor: 1}); err != nil {
		t.Fatalf("SaveHardState failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to reopen file store: %v", err)
	}
	defer reopened.Close()

	if reopened.LastIndex() != 4 || reopened.LastTerm() != 3 {
		t.Errorf("reopened last = (%d, %d), want (4, 3)", reopened.LastIndex(), reopened.LastTerm())
	}
	hs, _ := reopened.LoadHardState()
	if hs != (HardState{Term: 3, VotedFor: 1}) {
		t.Errorf("reopened hard state = %+v", hs)
	}
	e, _ := reopened.Entry(4)
	if !bytes.Equal(e.Payload, []byte{4, 3}) {
		t.Errorf("reopened Entry(4) payload = %v", e.Payload)
	}
}

// TestFileStore_TornTail tests recovery after a crash mid-write
func TestFileStore_TornTail(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	if err := s.Append(entriesFrom(1, 1, 1, 1)...); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	s.Close()

	// Chop the last record in half
	path := filepath.Join(dir, logFileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to reopen after torn write: %v", err)
	}
	defer reopened.Close()

	if reopened.LastIndex() != 2 {
		t.Errorf("LastIndex() = %d, want 2", reopened.LastIndex())
	}
	if !reopened.GetStatistics().RecoveredTornTail {
		t.Error("expected torn tail to be reported")
	}

	if err := reopened.Append(entriesFrom(3, 2)...); err != nil {
		t.Fatalf("Append after recovery failed: %v", err)
	}
	if reopened.LastTerm() != 2 {
		t.Errorf("LastTerm() = %d, want 2", reopened.LastTerm())
	}
}

// TestFileStore_CorruptHardState tests that a damaged hard state is refused
func TestFileStore_CorruptHardState(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, hardStateFileName), []byte("garbage"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := NewFileStore(dir); !errors.Is(err, ErrCorrupt) {
		t.Errorf("NewFileStore() error = %v, want ErrCorrupt", err)
	}
}

// TestFileStore_ClosedRejectsWrites tests use after Close
func TestFileStore_ClosedRejectsWrites(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	s.Close()

	if err := s.Append(entriesFrom(1, 1)...); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
}

// TestFileStore_SyncFailureRollsBack tests that entries whose fsync failed
// are cut from the file, so the same indexes can be appended again and the
// log still opens afterwards
func TestFileStore_SyncFailureRollsBack(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	if err := s.Append(entriesFrom(1, 1, 1)...); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	diskFull := errors.New("no space left on device")
	realSync := s.syncFile
	s.syncFile = func() error { return diskFull }
	if err := s.Append(entriesFrom(3, 1, 1)...); !errors.Is(err, diskFull) {
		t.Fatalf("Append error = %v, want the sync failure", err)
	}
	if s.LastIndex() != 2 {
		t.Errorf("LastIndex() after failed sync = %d, want 2", s.LastIndex())
	}

	s.syncFile = realSync
	if err := s.Append(entriesFrom(3, 2, 2)...); err != nil {
		t.Fatalf("Append after failed sync failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to reopen after a failed sync: %v", err)
	}
	defer reopened.Close()

	if reopened.LastIndex() != 4 {
		t.Errorf("LastIndex() = %d, want 4", reopened.LastIndex())
	}
	if reopened.LastTerm() != 2 {
		t.Errorf("LastTerm() = %d, want 2", reopened.LastTerm())
	}
	if reopened.GetStatistics().RecoveredTornTail {
		t.Error("expected no torn tail after rollback")
	}
}

// TestFileStore_OversizedRecordLength tests that a damaged length field is
// treated as a torn tail instead of being trusted for an allocation
func TestFileStore_OversizedRecordLength(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	if err := s.Append(entriesFrom(1, 1, 1)...); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	s.Close()

	path := filepath.Join(dir, logFileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	// A header claiming a 4 GiB body after the two good records
	header := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint64(header[0:8], 3)
	binary.BigEndian.PutUint64(header[8:16], 1)
	binary.BigEndian.PutUint32(header[16:20], 0xFFFFFFFF)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.Write(header); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Close()

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to reopen with a damaged header: %v", err)
	}
	defer reopened.Close()

	if reopened.LastIndex() != 2 {
		t.Errorf("LastIndex() = %d, want 2", reopened.LastIndex())
	}
	if !reopened.GetStatistics().RecoveredTornTail {
		t.Error("expected the damaged record to be reported as a torn tail")
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if after.Size() != info.Size() {
		t.Errorf("log size = %d, want %d after cutting the damaged record", after.Size(), info.Size())
	}
}
