package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	SnapshotFileName      = "remote_projects.json"
	SnapshotFormatVersion = 2
)

// SnapshotStore caches the last successfully fetched remote listing.
// Replace swaps the whole snapshot; there is no partial update.
type SnapshotStore interface {
	Load() (Snapshot, error)
	Replace(snapshot Snapshot) error
}

type snapshotFile struct {
	Version   int                         `json:"version"`
	FetchedAt *time.Time                  `json:"fetchedAt,omitempty"`
	Projects  map[DocumentID]RemoteRecord `json:"projects"`
}

type JSONFileSnapshotStore struct {
	Path string
}

func NewJSONFileSnapshotStore(path string) *JSONFileSnapshotStore {
	return &JSONFileSnapshotStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileSnapshotStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSnapshot(), nil
		}
		return Snapshot{}, err
	}
	return decodeSnapshot(s.Path, data)
}

func (s *JSONFileSnapshotStore) Replace(snapshot Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.Path, data, 0o644)
}

func decodeSnapshot(file string, data []byte) (Snapshot, error) {
	doc, err := parseVersioned(file, data)
	if err != nil {
		return Snapshot{}, err
	}
	var current snapshotFile
	switch doc.version {
	case 1:
		if err := doc.validate(file, "snapshot.v1"); err != nil {
			return Snapshot{}, err
		}
		var legacy snapshotFileV1
		if err := doc.decode(file, &legacy); err != nil {
			return Snapshot{}, err
		}
		current = migrateSnapshotV1(legacy)
	case SnapshotFormatVersion:
		if err := doc.validate(file, "snapshot.v2"); err != nil {
			return Snapshot{}, err
		}
		if err := doc.decode(file, &current); err != nil {
			return Snapshot{}, err
		}
	default:
		return Snapshot{}, &UnsupportedVersionError{Path: file, Version: doc.version, Supported: SnapshotFormatVersion}
	}

	snapshot := NewSnapshot()
	if current.FetchedAt != nil {
		snapshot.FetchedAt = current.FetchedAt.UTC()
	}
	for id, rec := range current.Projects {
		if id == "" {
			return Snapshot{}, &CorruptStateError{Path: file, Err: errors.New("empty project id")}
		}
		if rec.ID == "" {
			rec.ID = id
		}
		if rec.ID != id {
			return Snapshot{}, &CorruptStateError{Path: file, Err: fmt.Errorf("project keyed %q carries id %q", id, rec.ID)}
		}
		rec.LastModified = rec.LastModified.UTC()
		snapshot.Records[id] = rec
	}
	return snapshot, nil
}

// encodeSnapshot always writes the newest format with UTC timestamps.
func encodeSnapshot(snapshot Snapshot) ([]byte, error) {
	out := snapshotFile{
		Version:  SnapshotFormatVersion,
		Projects: make(map[DocumentID]RemoteRecord, len(snapshot.Records)),
	}
	if !snapshot.FetchedAt.IsZero() {
		fetchedAt := snapshot.FetchedAt.UTC()
		out.FetchedAt = &fetchedAt
	}
	for id, rec := range snapshot.Records {
		if id == "" {
			return nil, fmt.Errorf("%w: empty project id", ErrInvalidInput)
		}
		rec.ID = id
		rec.LastModified = rec.LastModified.UTC()
		out.Projects[id] = rec
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

type InMemorySnapshotStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	replaces int
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{}
}

func (s *InMemorySnapshotStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return NewSnapshot(), nil
	}
	return s.snapshot.Clone(), nil
}

func (s *InMemorySnapshotStore) Replace(snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := snapshot.Clone()
	s.snapshot = &clone
	s.replaces++
	return nil
}

func (s *InMemorySnapshotStore) Replaces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaces
}
