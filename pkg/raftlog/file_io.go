package raftlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-mail/pkg/validation"
)

// Record format: [Index:8][Term:8][DataLen:4][Data:N][Checksum:4]
// Data is snappy compressed. Checksum covers header and data.
const recordHeaderSize = 8 + 8 + 4

// maxRecordData bounds DataLen before the checksum can be verified
var maxRecordData = snappy.MaxEncodedLen(validation.MaxPayloadSize)

func encodeRecord(e Entry) []byte {
	data := snappy.Encode(nil, e.Payload)

	buf := make([]byte, recordHeaderSize+len(data)+4)
	binary.BigEndian.PutUint64(buf[0:8], e.Index)
	binary.BigEndian.PutUint64(buf[8:16], e.Term)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(data)))
	copy(buf[recordHeaderSize:], data)

	sum := crc32.ChecksumIEEE(buf[:recordHeaderSize+len(data)])
	binary.BigEndian.PutUint32(buf[recordHeaderSize+len(data):], sum)
	return buf
}

// readRecord decodes the next record. It returns io.EOF on a clean end and
// errTornRecord when the tail was cut short or fails its checksum.
func readRecord(r *bufio.Reader) (Entry, int64, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Entry{}, 0, io.EOF
		}
		return Entry{}, 0, errTornRecord
	}

	dataLen := binary.BigEndian.Uint32(header[16:20])
	if int64(dataLen) > int64(maxRecordData) {
		return Entry{}, 0, errTornRecord
	}
	body := make([]byte, int(dataLen)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, 0, errTornRecord
	}

	sum := crc32.NewIEEE()
	sum.Write(header)
	sum.Write(body[:dataLen])
	if sum.Sum32() != binary.BigEndian.Uint32(body[dataLen:]) {
		return Entry{}, 0, errTornRecord
	}

	payload, err := snappy.Decode(nil, body[:dataLen])
	if err != nil {
		return Entry{}, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	e := Entry{
		Index:   binary.BigEndian.Uint64(header[0:8]),
		Term:    binary.BigEndian.Uint64(header[8:16]),
		Payload: payload,
	}
	return e, int64(recordHeaderSize) + int64(len(body)), nil
}

var errTornRecord = errors.New("raftlog: torn record")

// Hard state file format: [Term:8][VotedFor:8][Checksum:4]
const hardStateSize = 8 + 8 + 4

func encodeHardState(hs HardState) []byte {
	buf := make([]byte, hardStateSize)
	binary.BigEndian.PutUint64(buf[0:8], hs.Term)
	binary.BigEndian.PutUint64(buf[8:16], hs.VotedFor)
	binary.BigEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf[:16]))
	return buf
}

func decodeHardState(buf []byte) (HardState, error) {
	if len(buf) != hardStateSize {
		return HardState{}, fmt.Errorf("%w: hard state is %d bytes", ErrCorrupt, len(buf))
	}
	if crc32.ChecksumIEEE(buf[:16]) != binary.BigEndian.Uint32(buf[16:20]) {
		return HardState{}, fmt.Errorf("%w: hard state checksum mismatch", ErrCorrupt)
	}
	return HardState{
		Term:     binary.BigEndian.Uint64(buf[0:8]),
		VotedFor: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// writeFileAtomic replaces path with data through a synced temp file and a
// rename, then syncs the directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".new"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
