package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
)

const (
	LocalStateFileName      = "local_state.json"
	LocalStateFormatVersion = 1
)

// LocalStore persists the user's folders and per-project annotations.
type LocalStore interface {
	Load() (LocalState, error)
	Save(state LocalState) error
}

type localStateFile struct {
	Version  int                        `json:"version"`
	Folders  []string                   `json:"folders"`
	Projects map[DocumentID]LocalRecord `json:"projects"`
}

type JSONFileLocalStore struct {
	Path string
}

func NewJSONFileLocalStore(path string) *JSONFileLocalStore {
	return &JSONFileLocalStore{Path: strings.TrimSpace(path)}
}

// Load returns an empty state when the file does not exist yet.
func (s *JSONFileLocalStore) Load() (LocalState, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewLocalState(), nil
		}
		return LocalState{}, err
	}
	return decodeLocalState(s.Path, data)
}

func (s *JSONFileLocalStore) Save(state LocalState) error {
	data, err := encodeLocalState(state)
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.Path, data, 0o644)
}

func decodeLocalState(file string, data []byte) (LocalState, error) {
	doc, err := parseVersioned(file, data)
	if err != nil {
		return LocalState{}, err
	}
	if doc.version > LocalStateFormatVersion {
		return LocalState{}, &UnsupportedVersionError{Path: file, Version: doc.version, Supported: LocalStateFormatVersion}
	}
	if err := doc.validate(file, "local_state.v1"); err != nil {
		return LocalState{}, err
	}
	var raw localStateFile
	if err := doc.decode(file, &raw); err != nil {
		return LocalState{}, err
	}

	state := NewLocalState()
	for _, entry := range raw.Folders {
		folder, err := NormalizeFolder(entry)
		if err != nil {
			return LocalState{}, &CorruptStateError{Path: file, Err: err}
		}
		state.Folders.Add(folder)
	}
	for id, rec := range raw.Projects {
		if id == "" {
			return LocalState{}, &CorruptStateError{Path: file, Err: errors.New("empty project id")}
		}
		folder, err := NormalizeFolder(rec.Folder)
		if err != nil {
			return LocalState{}, &CorruptStateError{Path: file, Err: err}
		}
		rec.Folder = folder
		state.Records[id] = rec
	}
	return state, nil
}

// encodeLocalState is deterministic: equal states encode to equal bytes.
func encodeLocalState(state LocalState) ([]byte, error) {
	out := localStateFile{
		Version:  LocalStateFormatVersion,
		Folders:  state.Folders.Sorted(),
		Projects: state.Records,
	}
	if out.Projects == nil {
		out.Projects = map[DocumentID]LocalRecord{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

type InMemoryLocalStore struct {
	mu    sync.Mutex
	state *LocalState
	saves int
}

func NewInMemoryLocalStore() *InMemoryLocalStore {
	return &InMemoryLocalStore{}
}

func (s *InMemoryLocalStore) Load() (LocalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return NewLocalState(), nil
	}
	return s.state.Clone(), nil
}

func (s *InMemoryLocalStore) Save(state LocalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := state.Clone()
	s.state = &clone
	s.saves++
	return nil
}

func (s *InMemoryLocalStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
