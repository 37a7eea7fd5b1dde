package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"main/pkg/exception"
)

func newTestWAL(t *testing.T, dir string) *WALWriter {
	t.Helper()
	w, err := NewWALWriter(WALConfig{
		Dir:           dir,
		FlushInterval: 10 * time.Millisecond,
		SyncInterval:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}
	return w
}

func TestWALRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := newTestWAL(t, dir)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	records := []struct {
		header  RecordHeader
		payload string
	}{
		{RecordHeader{Type: RecordOrder, Seq: 1, TsEvent: 100}, `{"orderId":"1"}`},
		{RecordHeader{Type: RecordPosition, TsEvent: 200}, `{"symbol":"BTCUSDT"}`},
		{RecordHeader{Type: RecordOrder, Seq: 2, TsEvent: 300}, `{"orderId":"2"}`},
	}
	for _, r := range records {
		if err := w.TryAppend(r.header, []byte(r.payload)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []RecordHeader
	var payloads []string
	err := ReplayWAL(dir, "", func(h RecordHeader, p []byte) error {
		got = append(got, h)
		payloads = append(payloads, string(p))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("records: got %d want %d", len(got), len(records))
	}
	for i, r := range records {
		if got[i].Type != r.header.Type || got[i].Seq != r.header.Seq || got[i].TsEvent != r.header.TsEvent {
			t.Fatalf("record %d header mismatch: %+v", i, got[i])
		}
		if payloads[i] != r.payload {
			t.Fatalf("record %d payload mismatch: %s", i, payloads[i])
		}
	}
}

func TestWALAppendBeforeStart(t *testing.T) {
	w := newTestWAL(t, t.TempDir())
	err := w.TryAppend(RecordHeader{Type: RecordOrder}, []byte("x"))
	if !errors.Is(err, exception.ErrWALNotStarted) {
		t.Fatalf("append before start: got %v", err)
	}
}

func TestWALAppendAfterClose(t *testing.T) {
	w := newTestWAL(t, t.TempDir())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := w.TryAppend(RecordHeader{Type: RecordOrder}, []byte("x"))
	if !errors.Is(err, exception.ErrWALClosed) {
		t.Fatalf("append after close: got %v", err)
	}
}

func TestWALSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWALWriter(WALConfig{Dir: dir, SegmentMaxBytes: 128})
	if err != nil {
		t.Fatalf("new wal: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	payload := []byte(strings.Repeat("x", 60))
	for i := 0; i < 4; i++ {
		if err := w.TryAppend(RecordHeader{Type: RecordOrder, Seq: uint64(i + 1)}, payload); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotation, got %d segment(s)", len(entries))
	}

	count := 0
	err = ReplayWAL(dir, "", func(h RecordHeader, p []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 4 {
		t.Fatalf("replayed %d records, want 4", count)
	}
}

func TestWALTornTailTolerated(t *testing.T) {
	dir := t.TempDir()
	w := newTestWAL(t, dir)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.TryAppend(RecordHeader{Type: RecordOrder, Seq: uint64(i + 1)}, []byte("payload")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Chop bytes off the tail to simulate a crash mid-write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("segments: %d", len(entries))
	}
	path := filepath.Join(dir, entries[0].Name())
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	count := 0
	err = ReplayWAL(dir, "", func(RecordHeader, []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("replay with torn tail: %v", err)
	}
	if count != 2 {
		t.Fatalf("replayed %d intact records, want 2", count)
	}
}

func TestWALCorruptRecordDetected(t *testing.T) {
	dir := t.TempDir()
	w := newTestWAL(t, dir)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.TryAppend(RecordHeader{Type: RecordOrder, Seq: 1}, []byte("payload")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	path := filepath.Join(dir, entries[0].Name())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Flip one payload byte; the checksum must catch it.
	data[recordHeaderSize] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	_, _, err = NewWALReader(file).Next()
	if !errors.Is(err, exception.ErrWALBadChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
}
