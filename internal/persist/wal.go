package persist

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"main/pkg/exception"
)

const maxPayloadLen = uint64(^uint32(0))

// WALConfig controls the append log.
type WALConfig struct {
	Dir             string
	FilePrefix      string
	QueueSize       int
	BufferSize      int
	FlushInterval   time.Duration
	SyncInterval    time.Duration
	SegmentMaxBytes int64
}

func (c WALConfig) withDefaults() WALConfig {
	if c.FilePrefix == "" {
		c.FilePrefix = "ledger"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64 * 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Second
	}
	if c.SegmentMaxBytes <= 0 {
		c.SegmentMaxBytes = 64 * 1024 * 1024
	}
	return c
}

// WALWriter appends records to segments from a buffered queue.
// Every terminal order transition and position change goes through here
// before the process may consider it durable.
type WALWriter struct {
	cfg WALConfig
	ch  chan walRequest
	wg  sync.WaitGroup
	err atomic.Value

	started uint32
	closed  uint32
}

type walRequest struct {
	header  RecordHeader
	payload []byte
}

type segmentWriter struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}

// NewWALWriter creates a writer and ensures the target directory exists.
func NewWALWriter(cfg WALConfig) (*WALWriter, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, exception.ErrInvalidArgument
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &WALWriter{
		cfg: cfg,
		ch:  make(chan walRequest, cfg.QueueSize),
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (w *WALWriter) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return exception.ErrWALAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops the writer and flushes any buffered data.
func (w *WALWriter) Close() error {
	if atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		close(w.ch)
	}
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error observed by the writer, if any.
func (w *WALWriter) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// TryAppend enqueues a record without blocking.
func (w *WALWriter) TryAppend(header RecordHeader, payload []byte) error {
	if atomic.LoadUint32(&w.closed) != 0 {
		return exception.ErrWALClosed
	}
	if atomic.LoadUint32(&w.started) == 0 {
		return exception.ErrWALNotStarted
	}
	if err := w.Err(); err != nil {
		return err
	}
	if uint64(len(payload)) > maxPayloadLen {
		return exception.ErrWALPayloadTooLarge
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	select {
	case w.ch <- walRequest{header: header, payload: cp}:
		return nil
	default:
		return exception.ErrWALQueueFull
	}
}

func (w *WALWriter) run(ctx context.Context) {
	var (
		seg         *segmentWriter
		segID       uint64
		headerBuf   = make([]byte, recordHeaderSize)
		checksumBuf [4]byte
	)

	flushTicker := time.NewTicker(w.cfg.FlushInterval)
	syncTicker := time.NewTicker(w.cfg.SyncInterval)
	defer func() {
		flushTicker.Stop()
		syncTicker.Stop()
		if err := closeSegment(seg); err != nil && w.Err() == nil {
			w.setErr(err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.drainNonBlocking(&seg, &segID, headerBuf, &checksumBuf)
			return
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.writeRecord(&seg, &segID, headerBuf, &checksumBuf, req); err != nil {
				w.setErr(err)
				return
			}
		case <-flushTicker.C:
			if seg != nil {
				if err := seg.buf.Flush(); err != nil {
					w.setErr(err)
					return
				}
			}
		case <-syncTicker.C:
			if seg != nil {
				if err := seg.buf.Flush(); err != nil {
					w.setErr(err)
					return
				}
				if err := seg.file.Sync(); err != nil {
					w.setErr(err)
					return
				}
			}
		}
	}
}

func (w *WALWriter) drainNonBlocking(seg **segmentWriter, segID *uint64, headerBuf []byte, checksumBuf *[4]byte) {
	for {
		select {
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.writeRecord(seg, segID, headerBuf, checksumBuf, req); err != nil {
				w.setErr(err)
				return
			}
		default:
			return
		}
	}
}

func (w *WALWriter) writeRecord(seg **segmentWriter, segID *uint64, headerBuf []byte, checksumBuf *[4]byte, req walRequest) error {
	now := time.Now().UTC()
	recordSize := int64(recordHeaderSize + len(req.payload) + recordChecksumSize)
	if *seg == nil || (*seg).size+recordSize > w.cfg.SegmentMaxBytes {
		if err := closeSegment(*seg); err != nil {
			return err
		}
		opened, err := w.openSegment(segID, now)
		if err != nil {
			return err
		}
		*seg = opened
	}

	encodeHeader(headerBuf, req.header, len(req.payload))
	sum := checksum(headerBuf, req.payload)
	binary.LittleEndian.PutUint32(checksumBuf[:], sum)

	if _, err := (*seg).buf.Write(headerBuf); err != nil {
		return err
	}
	if len(req.payload) > 0 {
		if _, err := (*seg).buf.Write(req.payload); err != nil {
			return err
		}
	}
	if _, err := (*seg).buf.Write(checksumBuf[:]); err != nil {
		return err
	}
	(*seg).size += recordSize
	return nil
}

func (w *WALWriter) openSegment(segID *uint64, now time.Time) (*segmentWriter, error) {
	ts := now.Format("20060102-150405")
	for {
		*segID = *segID + 1
		name := fmt.Sprintf("%s-%s-%06d.wal", w.cfg.FilePrefix, ts, *segID)
		path := filepath.Join(w.cfg.Dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, err
		}
		return &segmentWriter{
			file:     file,
			buf:      bufio.NewWriterSize(file, w.cfg.BufferSize),
			openedAt: now,
		}, nil
	}
}

func closeSegment(seg *segmentWriter) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return err
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

func (w *WALWriter) setErr(err error) {
	if err == nil || w.err.Load() != nil {
		return
	}
	w.err.Store(err)
}
