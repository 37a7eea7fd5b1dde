package persist

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"main/pkg/exception"
)

// WALReader decodes records sequentially from a single segment.
type WALReader struct {
	r         *bufio.Reader
	headerBuf []byte
	payload   []byte
}

// NewWALReader wraps an io.Reader with record decoding.
func NewWALReader(r io.Reader) *WALReader {
	return &WALReader{
		r:         bufio.NewReader(r),
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next record header and payload.
// The payload is only valid until the next call.
func (r *WALReader) Next() (RecordHeader, []byte, error) {
	var header RecordHeader

	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return header, nil, io.EOF
		}
		return header, nil, err
	}

	header, payloadLen, err := decodeRecordHeader(r.headerBuf)
	if err != nil {
		return header, nil, err
	}

	if payloadLen > 0 {
		if cap(r.payload) < int(payloadLen) {
			r.payload = make([]byte, payloadLen)
		}
		r.payload = r.payload[:payloadLen]
		if _, err := io.ReadFull(r.r, r.payload); err != nil {
			return header, nil, err
		}
	} else {
		r.payload = r.payload[:0]
	}

	var checksumBuf [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, checksumBuf[:]); err != nil {
		return header, nil, err
	}
	expected := binary.LittleEndian.Uint32(checksumBuf[:])
	if sum := checksum(r.headerBuf, r.payload); sum != expected {
		return header, nil, exception.ErrWALBadChecksum
	}

	return header, r.payload, nil
}

// ReplayWAL walks every segment in the directory in name order and
// invokes fn per record. A truncated tail record (crash mid-write) ends
// replay cleanly; a corrupt record in the middle is an error.
func ReplayWAL(dir, filePrefix string, fn func(RecordHeader, []byte) error) error {
	if filePrefix == "" {
		filePrefix = "ledger"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var segments []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".wal") {
			continue
		}
		segments = append(segments, name)
	}
	sort.Strings(segments)

	for i, name := range segments {
		if err := replaySegment(filepath.Join(dir, name), i == len(segments)-1, fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, lastSegment bool, fn func(RecordHeader, []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := NewWALReader(file)
	for {
		header, payload, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// A short read or bad checksum at the tail of the final
			// segment is the torn record of an interrupted write.
			if lastSegment && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, exception.ErrWALBadChecksum)) {
				return nil
			}
			return err
		}
		if err := fn(header, payload); err != nil {
			return err
		}
	}
}
