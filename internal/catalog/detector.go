package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"
)

type StoreKind string

const (
	StoreLocal    StoreKind = "local"
	StoreSnapshot StoreKind = "snapshot"
)

// Fingerprint identifies one version of a backing file. ModTime and Size
// are a cheap first check; Hash decides.
type Fingerprint struct {
	Exists  bool
	Size    int64
	ModTime time.Time
	Hash    string
}

func FingerprintFile(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Fingerprint{}, nil
		}
		return Fingerprint{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Fingerprint{}, nil
		}
		return Fingerprint{}, err
	}
	return Fingerprint{
		Exists:  true,
		Size:    int64(len(data)),
		ModTime: info.ModTime(),
		Hash:    hashBytes(data),
	}, nil
}

func (f Fingerprint) SameContent(other Fingerprint) bool {
	return f.Exists == other.Exists && f.Hash == other.Hash
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Changes reports which stores were modified by someone other than this
// process since they were last captured.
type Changes struct {
	Local    bool `json:"local"`
	Snapshot bool `json:"snapshot"`
}

func (c Changes) Any() bool {
	return c.Local || c.Snapshot
}

// Detector remembers the fingerprint of each file as this process last
// loaded or wrote it. Stores that are not file backed are never reported.
type Detector struct {
	mu    sync.Mutex
	paths map[StoreKind]string
	seen  map[StoreKind]Fingerprint
}

func NewDetector(localPath, snapshotPath string) *Detector {
	d := &Detector{
		paths: map[StoreKind]string{},
		seen:  map[StoreKind]Fingerprint{},
	}
	if localPath != "" {
		d.paths[StoreLocal] = localPath
	}
	if snapshotPath != "" {
		d.paths[StoreSnapshot] = snapshotPath
	}
	return d
}

// Capture records the current on-disk version of kind as known.
func (d *Detector) Capture(kind StoreKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	path, ok := d.paths[kind]
	if !ok {
		return nil
	}
	fp, err := FingerprintFile(path)
	if err != nil {
		return err
	}
	d.seen[kind] = fp
	return nil
}

// Check compares each file with its captured fingerprint. A file whose
// size and mtime are unchanged is not read. A touched file with identical
// content is not a change; its new mtime is remembered.
func (d *Detector) Check() (Changes, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var changes Changes
	for kind, path := range d.paths {
		changed, err := d.checkLocked(kind, path)
		if err != nil {
			return Changes{}, err
		}
		switch kind {
		case StoreLocal:
			changes.Local = changed
		case StoreSnapshot:
			changes.Snapshot = changed
		}
	}
	return changes, nil
}

func (d *Detector) checkLocked(kind StoreKind, path string) (bool, error) {
	prev := d.seen[kind]
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return prev.Exists, nil
		}
		return false, err
	}
	if prev.Exists && info.Size() == prev.Size && info.ModTime().Equal(prev.ModTime) {
		return false, nil
	}
	current, err := FingerprintFile(path)
	if err != nil {
		return false, err
	}
	if current.SameContent(prev) {
		d.seen[kind] = current
		return false, nil
	}
	return true, nil
}
