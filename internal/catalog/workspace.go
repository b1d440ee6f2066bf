package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type WorkspaceOptions struct {
	Profile       string
	LocalStore    LocalStore
	SnapshotStore SnapshotStore
	// LocalPath and SnapshotPath enable external change detection for
	// file-backed stores. Leave empty for other backends.
	LocalPath    string
	SnapshotPath string
	Logger       *slog.Logger
	Now          func() time.Time
	EventLogSize int
}

// LocalResolution is the user's answer to an external edit of the local
// annotation file.
type LocalResolution int

const (
	AcceptExternal LocalResolution = iota
	KeepInMemory
)

func ParseLocalResolution(raw string) (LocalResolution, error) {
	switch raw {
	case "accept", "reload", "external":
		return AcceptExternal, nil
	case "keep", "overwrite", "mine":
		return KeepInMemory, nil
	default:
		return 0, fmt.Errorf("%w: unknown resolution %q", ErrInvalidInput, raw)
	}
}

type WorkspaceStatus struct {
	Profile            string    `json:"profile"`
	Records            int       `json:"records"`
	Orphans            int       `json:"orphans"`
	Folders            int       `json:"folders"`
	SnapshotFetchedAt  time.Time `json:"snapshotFetchedAt"`
	PendingLocalChange bool      `json:"pendingLocalChange"`
	LocalError         string    `json:"localError,omitempty"`
	SnapshotError      string    `json:"snapshotError,omitempty"`
}

// Workspace owns one profile's stores and its current Index. Every load,
// save, replace and rebuild happens under mu. Readers take the published
// Index without locking; it is swapped in one step after each rebuild.
type Workspace struct {
	profile       string
	localStore    LocalStore
	snapshotStore SnapshotStore
	detector      *Detector
	logger        *slog.Logger
	now           func() time.Time
	events        *eventLog

	mu           sync.Mutex
	local        LocalState
	snapshot     Snapshot
	localErr     error
	snapshotErr  error
	pendingLocal bool
	closed       bool

	index atomic.Pointer[Index]
}

// Open loads both stores and builds the first Index. A store that cannot be
// read leaves the workspace usable: a broken snapshot is treated as empty
// until the next refresh, and a broken local file blocks mutations so it is
// never overwritten. Both are reported by LoadError and Status.
func Open(opts WorkspaceOptions) (*Workspace, error) {
	if opts.LocalStore == nil || opts.SnapshotStore == nil {
		return nil, fmt.Errorf("%w: local and snapshot stores are required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	w := &Workspace{
		profile:       opts.Profile,
		localStore:    opts.LocalStore,
		snapshotStore: opts.SnapshotStore,
		detector:      NewDetector(opts.LocalPath, opts.SnapshotPath),
		logger:        logger.With("profile", opts.Profile),
		now:           now,
		events:        newEventLog(opts.EventLogSize),
		local:         NewLocalState(),
		snapshot:      NewSnapshot(),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loadLocalLocked()
	w.loadSnapshotLocked()
	w.rebuildLocked("open")
	return w, nil
}

func (w *Workspace) Profile() string {
	return w.profile
}

// Index returns the current merged view. It never blocks.
func (w *Workspace) Index() *Index {
	return w.index.Load()
}

// LoadError reports why a store could not be loaded the last time it was
// read, or nil.
func (w *Workspace) LoadError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Join(w.localErr, w.snapshotErr)
}

func (w *Workspace) Status() WorkspaceStatus {
	ix := w.Index()
	w.mu.Lock()
	defer w.mu.Unlock()
	status := WorkspaceStatus{
		Profile:            w.profile,
		Records:            ix.Len(),
		Orphans:            len(ix.orphans),
		Folders:            len(ix.FolderPaths()),
		SnapshotFetchedAt:  w.snapshot.FetchedAt,
		PendingLocalChange: w.pendingLocal,
	}
	if w.localErr != nil {
		status.LocalError = w.localErr.Error()
	}
	if w.snapshotErr != nil {
		status.SnapshotError = w.snapshotErr.Error()
	}
	return status
}

// SnapshotFetchedAt is the fetch time of the snapshot currently in use.
func (w *Workspace) SnapshotFetchedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot.FetchedAt
}

func (w *Workspace) LocalState() LocalState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.local.Clone()
}

func (w *Workspace) loadLocalLocked() {
	state, err := w.localStore.Load()
	if err != nil {
		w.localErr = err
		w.logger.Error("local state unavailable", "err", err)
		w.publish(Event{Type: EventStoreLoadFailed, Reason: string(StoreLocal), Error: err.Error()})
		return
	}
	w.local = state
	w.localErr = nil
	w.pendingLocal = false
	w.capture(StoreLocal)
}

func (w *Workspace) loadSnapshotLocked() {
	snapshot, err := w.snapshotStore.Load()
	if err != nil {
		w.snapshotErr = err
		w.logger.Error("remote snapshot unavailable", "err", err)
		w.publish(Event{Type: EventStoreLoadFailed, Reason: string(StoreSnapshot), Error: err.Error()})
		w.capture(StoreSnapshot)
		return
	}
	w.snapshot = snapshot
	w.snapshotErr = nil
	w.capture(StoreSnapshot)
}

func (w *Workspace) capture(kind StoreKind) {
	if err := w.detector.Capture(kind); err != nil {
		w.logger.Warn("fingerprint failed", "store", kind, "err", err)
	}
}

func (w *Workspace) rebuildLocked(reason string) {
	ix := Build(w.local.Folders, w.local.Records, w.snapshot.Records)
	w.index.Store(ix)
	w.publish(Event{Type: EventIndexRebuilt, Reason: reason, Records: ix.Len()})
}

func (w *Workspace) publish(event Event) {
	event.Profile = w.profile
	w.events.publish(event, w.now())
}

// Subscribe delivers events as they are published. The returned function
// stops delivery and closes the channel.
func (w *Workspace) Subscribe() (<-chan Event, func()) {
	return w.events.subscribe()
}

func (w *Workspace) Events(cursor string, limit int) EventFeed {
	return w.events.feed(cursor, limit)
}

// Reload reads both stores again. A store that fails to load keeps its
// previous in-memory content.
func (w *Workspace) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.loadLocalLocked()
	w.loadSnapshotLocked()
	w.rebuildLocked("reload")
	return errors.Join(w.localErr, w.snapshotErr)
}

// CheckForChanges looks for edits made to the backing files by another
// process. A changed snapshot is reloaded at once. A changed local file is
// only reported; it waits for ResolveLocalChange.
func (w *Workspace) CheckForChanges() (Changes, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Changes{}, ErrClosed
	}
	return w.checkForChangesLocked()
}

func (w *Workspace) checkForChangesLocked() (Changes, error) {
	changes, err := w.detector.Check()
	if err != nil {
		return Changes{}, err
	}
	if changes.Snapshot {
		w.logger.Info("remote snapshot changed on disk, reloading")
		w.loadSnapshotLocked()
		if w.snapshotErr == nil {
			w.rebuildLocked("snapshot changed on disk")
			w.publish(Event{Type: EventSnapshotReloaded, Records: len(w.snapshot.Records)})
		}
	}
	if changes.Local && !w.pendingLocal {
		w.pendingLocal = true
		w.logger.Warn("local state changed on disk")
		w.publish(Event{Type: EventLocalChanged})
	}
	changes.Local = w.pendingLocal
	return changes, nil
}

// ResolveLocalChange settles a pending external edit of the local file.
// AcceptExternal loads it and replaces the in-memory state. KeepInMemory
// leaves memory as is; the next save overwrites the file.
func (w *Workspace) ResolveLocalChange(resolution LocalResolution) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	switch resolution {
	case AcceptExternal:
		state, err := w.localStore.Load()
		if err != nil {
			return err
		}
		w.local = state
		w.localErr = nil
		w.capture(StoreLocal)
		w.rebuildLocked("accepted external local change")
	case KeepInMemory:
		w.capture(StoreLocal)
	default:
		return fmt.Errorf("%w: unknown resolution %d", ErrInvalidInput, resolution)
	}
	w.pendingLocal = false
	w.publish(Event{Type: EventLocalResolved})
	return nil
}

// ResetLocalState discards a local file that could not be loaded and starts
// from an empty state.
func (w *Workspace) ResetLocalState() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	empty := NewLocalState()
	if err := w.localStore.Save(empty); err != nil {
		return err
	}
	w.local = empty
	w.localErr = nil
	w.pendingLocal = false
	w.capture(StoreLocal)
	w.rebuildLocked("local state reset")
	return nil
}

// ApplySnapshot persists a freshly fetched snapshot and rebuilds. On
// failure the previous snapshot stays in effect. Local state is untouched.
func (w *Workspace) ApplySnapshot(snapshot Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	next := snapshot.Clone()
	if next.FetchedAt.IsZero() {
		next.FetchedAt = w.now().UTC()
	}
	if err := w.snapshotStore.Replace(next); err != nil {
		return err
	}
	w.snapshot = next
	w.snapshotErr = nil
	w.capture(StoreSnapshot)
	w.rebuildLocked("refresh")
	return nil
}

// mutateLocal runs fn against a copy of the local state and persists the
// result before it becomes visible. fn reports whether anything changed.
func (w *Workspace) mutateLocal(reason string, fn func(ix *Index, state *LocalState) (bool, error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.localErr != nil {
		return fmt.Errorf("local state unavailable: %w", w.localErr)
	}
	if _, err := w.checkForChangesLocked(); err != nil {
		return err
	}
	if w.pendingLocal {
		return ErrExternalChange
	}
	next := w.local.Clone()
	changed, err := fn(w.index.Load(), &next)
	if err != nil || !changed {
		return err
	}
	// A default record adds nothing to a listed project, but it is all that
	// keeps an orphan in the index.
	for id, rec := range next.Records {
		if _, listed := w.snapshot.Records[id]; listed && rec.IsZero() {
			delete(next.Records, id)
		}
	}
	if err := w.localStore.Save(next); err != nil {
		w.logger.Error("save local state failed", "op", reason, "err", err)
		return err
	}
	w.local = next
	w.capture(StoreLocal)
	w.rebuildLocked(reason)
	return nil
}

func requireKnown(ix *Index, id DocumentID) error {
	if id == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidInput)
	}
	if _, ok := ix.Get(id); !ok {
		return fmt.Errorf("%w: project %q", ErrNotFound, id)
	}
	return nil
}

// Move assigns every document in ids to folder, declaring the folder and
// its ancestors. Folder "" moves to Home.
func (w *Workspace) Move(ids []DocumentID, folder string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no projects to move", ErrInvalidInput)
	}
	target, err := NormalizeFolder(folder)
	if err != nil {
		return err
	}
	return w.mutateLocal("move", func(ix *Index, state *LocalState) (bool, error) {
		for _, id := range ids {
			if err := requireKnown(ix, id); err != nil {
				return false, err
			}
		}
		changed := false
		if target != "" {
			for _, folder := range append(folderAncestors(target), target) {
				if !state.Folders.Has(folder) {
					state.Folders.Add(folder)
					changed = true
				}
			}
		}
		for _, id := range ids {
			rec := state.Records[id]
			if rec.Folder == target {
				continue
			}
			rec.Folder = target
			state.Records[id] = rec
			changed = true
		}
		return changed, nil
	})
}

func (w *Workspace) SetPinned(id DocumentID, pinned bool) error {
	return w.updateRecord("pin", id, func(rec *LocalRecord) { rec.Pinned = pinned })
}

func (w *Workspace) SetHidden(id DocumentID, hidden bool) error {
	return w.updateRecord("hide", id, func(rec *LocalRecord) { rec.Hidden = hidden })
}

func (w *Workspace) SetNote(id DocumentID, note string) error {
	return w.updateRecord("note", id, func(rec *LocalRecord) { rec.Note = note })
}

func (w *Workspace) updateRecord(reason string, id DocumentID, apply func(*LocalRecord)) error {
	return w.mutateLocal(reason, func(ix *Index, state *LocalState) (bool, error) {
		if err := requireKnown(ix, id); err != nil {
			return false, err
		}
		before := state.Records[id]
		after := before
		apply(&after)
		if after == before {
			return false, nil
		}
		state.Records[id] = after
		return true, nil
	})
}

func (w *Workspace) CreateFolder(path string) error {
	folder, err := normalizeNamedFolder(path)
	if err != nil {
		return err
	}
	return w.mutateLocal("create folder", func(_ *Index, state *LocalState) (bool, error) {
		if state.Folders.Has(folder) {
			return false, nil
		}
		state.Folders.Add(folder)
		return true, nil
	})
}

// RenameFolder moves a folder and its whole subtree, carrying every
// assignment along. Renaming onto an existing folder merges the two.
func (w *Workspace) RenameFolder(oldPath, newPath string) error {
	from, err := normalizeNamedFolder(oldPath)
	if err != nil {
		return err
	}
	to, err := normalizeNamedFolder(newPath)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if withinFolder(from, to) {
		return fmt.Errorf("%w: cannot move folder %q into itself", ErrInvalidInput, from)
	}
	return w.mutateLocal("rename folder", func(ix *Index, state *LocalState) (bool, error) {
		if !ix.HasFolder(from) {
			return false, fmt.Errorf("%w: folder %q", ErrNotFound, from)
		}
		folders := NewFolderSet()
		for path := range state.Folders {
			if withinFolder(from, path) {
				path = rebaseFolder(path, from, to)
			}
			folders.Add(path)
		}
		folders.Add(to)
		state.Folders = folders
		for id, rec := range state.Records {
			if withinFolder(from, rec.Folder) {
				rec.Folder = rebaseFolder(rec.Folder, from, to)
				state.Records[id] = rec
			}
		}
		return true, nil
	})
}

// DeleteFolder removes an empty folder. A folder with an assigned document
// or a child folder is refused with a FolderNotEmptyError.
func (w *Workspace) DeleteFolder(path string) error {
	folder, err := normalizeNamedFolder(path)
	if err != nil {
		return err
	}
	return w.mutateLocal("delete folder", func(ix *Index, state *LocalState) (bool, error) {
		if !ix.HasFolder(folder) {
			return false, fmt.Errorf("%w: folder %q", ErrNotFound, folder)
		}
		if members := ix.Members(folder); len(members) > 0 {
			return false, &FolderNotEmptyError{Folder: folder, DocumentID: members[0]}
		}
		if children := ix.Children(folder); len(children) > 0 {
			return false, &FolderNotEmptyError{Folder: folder, Child: children[0]}
		}
		state.Folders.Remove(folder)
		return true, nil
	})
}

// DeleteFolderTree removes a folder with all its descendant folders,
// provided no document is assigned anywhere inside it.
func (w *Workspace) DeleteFolderTree(path string) error {
	folder, err := normalizeNamedFolder(path)
	if err != nil {
		return err
	}
	return w.mutateLocal("delete folder tree", func(ix *Index, state *LocalState) (bool, error) {
		if !ix.HasFolder(folder) {
			return false, fmt.Errorf("%w: folder %q", ErrNotFound, folder)
		}
		for _, id := range ix.order {
			rec := ix.records[id]
			if withinFolder(folder, rec.Local.Folder) {
				return false, &FolderNotEmptyError{Folder: folder, DocumentID: id}
			}
		}
		for existing := range state.Folders {
			if withinFolder(folder, existing) {
				state.Folders.Remove(existing)
			}
		}
		return true, nil
	})
}

func normalizeNamedFolder(raw string) (string, error) {
	folder, err := NormalizeFolder(raw)
	if err != nil {
		return "", err
	}
	if folder == "" {
		return "", fmt.Errorf("%w: folder path is required", ErrInvalidInput)
	}
	return folder, nil
}

func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.events.close()
	var err error
	if closer, ok := w.snapshotStore.(interface{ Close() error }); ok {
		err = closer.Close()
	}
	return err
}
