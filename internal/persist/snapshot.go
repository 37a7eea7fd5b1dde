package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"main/internal/model"
	"main/pkg/exception"
)

// Snapshot is a full durable copy of ledger and position state, tagged
// with the last applied update sequence. Recovery resumes from here and
// needs nothing else from the exchange except reconciliation.
type Snapshot struct {
	Timestamp int64            `json:"timestamp"`
	LastSeq   uint64           `json:"lastSeq"`
	Orders    []model.Order    `json:"orders"`
	Positions []model.Position `json:"positions"`
}

// SnapshotStore writes and loads snapshots in a directory.
type SnapshotStore struct {
	dir    string
	prefix string
	keep   int
}

// NewSnapshotStore creates a store keeping the most recent `keep` files.
func NewSnapshotStore(dir string, keep int) *SnapshotStore {
	if keep <= 0 {
		keep = 3
	}
	return &SnapshotStore{dir: dir, prefix: "snapshot", keep: keep}
}

// Save writes a snapshot atomically (temp file + rename) so a crash can
// never leave a half-written snapshot as the recovery baseline.
func (s *SnapshotStore) Save(snap Snapshot) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	if snap.Timestamp == 0 {
		snap.Timestamp = time.Now().UTC().UnixNano()
	}

	data, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%020d_%d.json", s.prefix, snap.LastSeq, snap.Timestamp)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	s.prune()
	return path, nil
}

// LoadLatest reads the most recent snapshot.
// Returns exception.ErrNoSnapshot when none exists (cold start).
func (s *SnapshotStore) LoadLatest() (Snapshot, error) {
	names, err := s.list()
	if err != nil {
		return Snapshot{}, err
	}
	if len(names) == 0 {
		return Snapshot{}, exception.ErrNoSnapshot
	}

	path := filepath.Join(s.dir, names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *SnapshotStore) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, s.prefix+"_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	// Zero-padded seq in the name makes lexical order recovery order.
	sort.Strings(names)
	return names, nil
}

func (s *SnapshotStore) prune() {
	names, err := s.list()
	if err != nil || len(names) <= s.keep {
		return
	}
	for _, name := range names[:len(names)-s.keep] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}
