package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openMemoryWorkspace(t *testing.T, remotes ...RemoteRecord) (*Workspace, *InMemoryLocalStore, *InMemorySnapshotStore) {
	t.Helper()
	local := NewInMemoryLocalStore()
	snapshots := NewInMemorySnapshotStore()
	if len(remotes) > 0 {
		snapshot := NewSnapshot()
		for _, rec := range remotes {
			snapshot.Records[rec.ID] = rec
		}
		if err := snapshots.Replace(snapshot); err != nil {
			t.Fatalf("seed snapshot failed: %v", err)
		}
	}
	ws, err := Open(WorkspaceOptions{Profile: "test", LocalStore: local, SnapshotStore: snapshots})
	if err != nil {
		t.Fatalf("open workspace failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws, local, snapshots
}

type failingLocalStore struct {
	*InMemoryLocalStore
	fail bool
}

func (s *failingLocalStore) Save(state LocalState) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.InMemoryLocalStore.Save(state)
}

func TestOpenRequiresStores(t *testing.T) {
	if _, err := Open(WorkspaceOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestWorkspaceMovePinAndNotePersist(t *testing.T) {
	ws, local, snapshots := openMemoryWorkspace(t,
		RemoteRecord{ID: "P1", Name: "Paper"},
		RemoteRecord{ID: "P2", Name: "Slides"},
	)
	if err := ws.Move([]DocumentID{"P1", "P2"}, "/Teaching/2024/"); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if err := ws.SetPinned("P1", true); err != nil {
		t.Fatalf("pin failed: %v", err)
	}
	if err := ws.SetNote("P2", "for monday"); err != nil {
		t.Fatalf("note failed: %v", err)
	}

	stored, err := local.Load()
	if err != nil {
		t.Fatalf("load local failed: %v", err)
	}
	want := map[DocumentID]LocalRecord{
		"P1": {Folder: "Teaching/2024", Pinned: true},
		"P2": {Folder: "Teaching/2024", Note: "for monday"},
	}
	if !reflect.DeepEqual(stored.Records, want) {
		t.Fatalf("unexpected stored records %+v", stored.Records)
	}
	if !stored.Folders.Has("Teaching/2024") {
		t.Fatalf("expected move target to be declared, got %v", stored.Folders.Sorted())
	}
	if local.Saves() != 3 {
		t.Fatalf("expected one save per mutation, got %d", local.Saves())
	}
	if snapshots.Replaces() != 1 {
		t.Fatalf("local mutations must not touch the snapshot store, got %d replaces", snapshots.Replaces())
	}

	ix := ws.Index()
	if members := ix.Members("Teaching/2024"); len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
	if !ix.HasFolder("Teaching") {
		t.Fatalf("expected ancestor Teaching in tree")
	}
}

func TestWorkspaceNoopMutationDoesNotSave(t *testing.T) {
	ws, local, _ := openMemoryWorkspace(t, RemoteRecord{ID: "P1", Name: "Paper"})
	if err := ws.SetPinned("P1", false); err != nil {
		t.Fatalf("set pinned failed: %v", err)
	}
	if err := ws.Move([]DocumentID{"P1"}, ""); err != nil {
		t.Fatalf("move home failed: %v", err)
	}
	if local.Saves() != 0 {
		t.Fatalf("expected no saves, got %d", local.Saves())
	}
}

func TestWorkspaceOrphanSurvivesReturnToDefaults(t *testing.T) {
	local := NewInMemoryLocalStore()
	seed := NewLocalState()
	seed.Folders.Add("CT")
	seed.Records["P1"] = LocalRecord{Folder: "CT", Pinned: true}
	seed.Records["P2"] = LocalRecord{Folder: "CT"}
	if err := local.Save(seed); err != nil {
		t.Fatalf("seed local failed: %v", err)
	}
	ws, err := Open(WorkspaceOptions{Profile: "test", LocalStore: local, SnapshotStore: NewInMemorySnapshotStore()})
	if err != nil {
		t.Fatalf("open workspace failed: %v", err)
	}
	defer ws.Close()

	if err := ws.Move([]DocumentID{"P1", "P2"}, ""); err != nil {
		t.Fatalf("move orphans home failed: %v", err)
	}
	if err := ws.SetPinned("P1", false); err != nil {
		t.Fatalf("unpin orphan failed: %v", err)
	}

	orphans := ws.Index().Orphans()
	if len(orphans) != 2 {
		t.Fatalf("expected both orphans to stay in the index, got %+v", orphans)
	}
	if got := ws.Index().Members(""); !reflect.DeepEqual(got, []DocumentID{"P1", "P2"}) {
		t.Fatalf("expected orphans under Home, got %v", got)
	}
	stored, err := local.Load()
	if err != nil {
		t.Fatalf("load local failed: %v", err)
	}
	if _, ok := stored.Records["P1"]; !ok {
		t.Fatalf("expected orphan record to be persisted, got %+v", stored.Records)
	}
}

func TestWorkspacePrunesDefaultRecordOfListedProject(t *testing.T) {
	ws, local, _ := openMemoryWorkspace(t, RemoteRecord{ID: "P1", Name: "Paper"})
	if err := ws.SetPinned("P1", true); err != nil {
		t.Fatalf("pin failed: %v", err)
	}
	if err := ws.SetPinned("P1", false); err != nil {
		t.Fatalf("unpin failed: %v", err)
	}
	stored, err := local.Load()
	if err != nil {
		t.Fatalf("load local failed: %v", err)
	}
	if len(stored.Records) != 0 {
		t.Fatalf("expected default record to be dropped, got %+v", stored.Records)
	}
	if _, ok := ws.Index().Get("P1"); !ok {
		t.Fatalf("expected listed project to stay in the index")
	}
}

func TestWorkspaceRejectsUnknownDocument(t *testing.T) {
	ws, _, _ := openMemoryWorkspace(t)
	if err := ws.SetPinned("missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := ws.Move(nil, "A"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty move, got %v", err)
	}
}

func TestWorkspaceDeleteFolderGuard(t *testing.T) {
	ws, _, _ := openMemoryWorkspace(t, RemoteRecord{ID: "P1", Name: "Paper"})
	if err := ws.Move([]DocumentID{"P1"}, "A"); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	err := ws.DeleteFolder("A")
	var notEmpty *FolderNotEmptyError
	if !errors.As(err, &notEmpty) || notEmpty.DocumentID != "P1" {
		t.Fatalf("expected folder not empty naming P1, got %v", err)
	}
	if !ws.Index().HasFolder("A") {
		t.Fatalf("refused delete must leave folder in place")
	}

	if err := ws.Move([]DocumentID{"P1"}, ""); err != nil {
		t.Fatalf("move home failed: %v", err)
	}
	if err := ws.DeleteFolder("A"); err != nil {
		t.Fatalf("delete emptied folder failed: %v", err)
	}
	if ws.Index().HasFolder("A") {
		t.Fatalf("expected folder A to be gone")
	}
	if err := ws.DeleteFolder("A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestWorkspaceDeleteFolderRefusesChildren(t *testing.T) {
	ws, _, _ := openMemoryWorkspace(t)
	if err := ws.CreateFolder("A/B"); err != nil {
		t.Fatalf("create folder failed: %v", err)
	}
	err := ws.DeleteFolder("A")
	var notEmpty *FolderNotEmptyError
	if !errors.As(err, &notEmpty) || notEmpty.Child != "A/B" {
		t.Fatalf("expected folder not empty naming A/B, got %v", err)
	}
	if err := ws.DeleteFolderTree("A"); err != nil {
		t.Fatalf("delete folder tree failed: %v", err)
	}
	if len(ws.Index().FolderPaths()) != 0 {
		t.Fatalf("expected no folders left, got %v", ws.Index().FolderPaths())
	}
}

func TestWorkspaceDeleteFolderTreeRefusesAssignedDescendant(t *testing.T) {
	ws, _, _ := openMemoryWorkspace(t, RemoteRecord{ID: "P1", Name: "Paper"})
	if err := ws.Move([]DocumentID{"P1"}, "A/B/C"); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if err := ws.DeleteFolderTree("A"); !errors.Is(err, ErrFolderNotEmpty) {
		t.Fatalf("expected folder not empty, got %v", err)
	}
}

func TestWorkspaceRenameFolderCarriesSubtree(t *testing.T) {
	ws, local, _ := openMemoryWorkspace(t,
		RemoteRecord{ID: "P1", Name: "Paper"},
		RemoteRecord{ID: "P2", Name: "Slides"},
	)
	if err := ws.CreateFolder("Other"); err != nil {
		t.Fatalf("create folder failed: %v", err)
	}
	if err := ws.Move([]DocumentID{"P1"}, "Work"); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if err := ws.Move([]DocumentID{"P2"}, "Work/Talks"); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if err := ws.RenameFolder("Work", "Jobs/Current"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	state, _ := local.Load()
	if got := state.Folders.Sorted(); !reflect.DeepEqual(got, []string{"Jobs/Current", "Jobs/Current/Talks", "Other"}) {
		t.Fatalf("unexpected folders %v", got)
	}
	if state.Records["P1"].Folder != "Jobs/Current" || state.Records["P2"].Folder != "Jobs/Current/Talks" {
		t.Fatalf("unexpected assignments %+v", state.Records)
	}
	if err := ws.RenameFolder("Jobs", "Jobs/Nested"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for rename into itself, got %v", err)
	}
	if err := ws.RenameFolder("Jobs/Current/Talks", "Other"); err != nil {
		t.Fatalf("rename onto existing folder failed: %v", err)
	}
	state, _ = local.Load()
	if state.Records["P2"].Folder != "Other" || state.Folders.Has("Jobs/Current/Talks") {
		t.Fatalf("expected Talks merged into Other, got %+v %v", state.Records, state.Folders.Sorted())
	}
	if err := ws.RenameFolder("Nope", "Else"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkspaceSaveFailureKeepsPreviousState(t *testing.T) {
	store := &failingLocalStore{InMemoryLocalStore: NewInMemoryLocalStore()}
	snapshots := NewInMemorySnapshotStore()
	seed := NewSnapshot()
	seed.Records["P1"] = RemoteRecord{ID: "P1", Name: "Paper"}
	_ = snapshots.Replace(seed)
	ws, err := Open(WorkspaceOptions{LocalStore: store, SnapshotStore: snapshots})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer ws.Close()

	before := ws.Index()
	store.fail = true
	if err := ws.SetPinned("P1", true); err == nil {
		t.Fatalf("expected save failure")
	}
	if ws.Index() != before {
		t.Fatalf("failed save must not publish a new index")
	}
	if rec, _ := ws.Index().Get("P1"); rec.Local.Pinned {
		t.Fatalf("failed save must not change the in-memory state")
	}
	store.fail = false
	if err := ws.SetPinned("P1", true); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestWorkspaceCorruptLocalBlocksMutations(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, LocalStateFileName)
	if err := os.WriteFile(localPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
	ws, err := Open(WorkspaceOptions{
		LocalStore:    NewJSONFileLocalStore(localPath),
		SnapshotStore: NewInMemorySnapshotStore(),
		LocalPath:     localPath,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer ws.Close()
	if !errors.Is(ws.LoadError(), ErrCorruptState) {
		t.Fatalf("expected corrupt state load error, got %v", ws.LoadError())
	}
	if ws.Status().LocalError == "" {
		t.Fatalf("expected status to report the local error")
	}
	if err := ws.CreateFolder("A"); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected mutations to be refused, got %v", err)
	}
	raw, _ := os.ReadFile(localPath)
	if string(raw) != "{not json" {
		t.Fatalf("corrupt file must not be overwritten, got %q", raw)
	}
	if err := ws.ResetLocalState(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if err := ws.CreateFolder("A"); err != nil {
		t.Fatalf("create after reset failed: %v", err)
	}
}

func TestWorkspaceExternalLocalChange(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, LocalStateFileName)
	snapshotPath := filepath.Join(dir, SnapshotFileName)
	snapshots := NewJSONFileSnapshotStore(snapshotPath)
	seed := NewSnapshot()
	seed.Records["P1"] = RemoteRecord{ID: "P1", Name: "Paper"}
	if err := snapshots.Replace(seed); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}
	ws, err := Open(WorkspaceOptions{
		LocalStore:    NewJSONFileLocalStore(localPath),
		SnapshotStore: snapshots,
		LocalPath:     localPath,
		SnapshotPath:  snapshotPath,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer ws.Close()
	events, cancel := ws.Subscribe()
	defer cancel()

	if err := ws.SetPinned("P1", true); err != nil {
		t.Fatalf("pin failed: %v", err)
	}
	changes, err := ws.CheckForChanges()
	if err != nil || changes.Any() {
		t.Fatalf("own save must not count as external change: %+v %v", changes, err)
	}

	external := `{"version": 1, "folders": ["Shared"], "projects": {"P1": {"folder": "Shared"}}}` + "\n"
	if err := os.WriteFile(localPath, []byte(external), 0o644); err != nil {
		t.Fatalf("external write failed: %v", err)
	}
	changes, err = ws.CheckForChanges()
	if err != nil || !changes.Local {
		t.Fatalf("expected local change, got %+v %v", changes, err)
	}
	if rec, _ := ws.Index().Get("P1"); !rec.Local.Pinned || rec.Local.Folder != "" {
		t.Fatalf("in-memory state must not be replaced before the user decides, got %+v", rec.Local)
	}
	if err := ws.SetHidden("P1", true); !errors.Is(err, ErrExternalChange) {
		t.Fatalf("expected mutation to wait for a decision, got %v", err)
	}
	if !waitForEvent(events, EventLocalChanged) {
		t.Fatalf("expected %s event", EventLocalChanged)
	}

	if err := ws.ResolveLocalChange(AcceptExternal); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	rec, _ := ws.Index().Get("P1")
	if rec.Local.Folder != "Shared" || rec.Local.Pinned {
		t.Fatalf("expected external state, got %+v", rec.Local)
	}
	if err := ws.SetHidden("P1", true); err != nil {
		t.Fatalf("mutation after resolve failed: %v", err)
	}
}

func TestWorkspaceKeepInMemoryOverwritesOnNextSave(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, LocalStateFileName)
	store := NewJSONFileLocalStore(localPath)
	ws, err := Open(WorkspaceOptions{LocalStore: store, SnapshotStore: NewInMemorySnapshotStore(), LocalPath: localPath})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer ws.Close()
	if err := ws.CreateFolder("Mine"); err != nil {
		t.Fatalf("create folder failed: %v", err)
	}
	if err := os.WriteFile(localPath, []byte(`{"version": 1, "folders": ["Theirs"]}`), 0o644); err != nil {
		t.Fatalf("external write failed: %v", err)
	}
	if _, err := ws.CheckForChanges(); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if err := ws.ResolveLocalChange(KeepInMemory); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := ws.CreateFolder("Second"); err != nil {
		t.Fatalf("create folder failed: %v", err)
	}
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := state.Folders.Sorted(); !reflect.DeepEqual(got, []string{"Mine", "Second"}) {
		t.Fatalf("expected in-memory state to win, got %v", got)
	}
}

func TestWorkspaceReloadsExternallyReplacedSnapshot(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, SnapshotFileName)
	ws, err := Open(WorkspaceOptions{
		LocalStore:    NewInMemoryLocalStore(),
		SnapshotStore: NewJSONFileSnapshotStore(snapshotPath),
		SnapshotPath:  snapshotPath,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer ws.Close()

	other := NewSnapshot()
	other.Records["P7"] = RemoteRecord{ID: "P7", Name: "From another process"}
	if err := NewJSONFileSnapshotStore(snapshotPath).Replace(other); err != nil {
		t.Fatalf("external replace failed: %v", err)
	}
	changes, err := ws.CheckForChanges()
	if err != nil || !changes.Snapshot {
		t.Fatalf("expected snapshot change, got %+v %v", changes, err)
	}
	if _, ok := ws.Index().Get("P7"); !ok {
		t.Fatalf("expected snapshot to be reloaded without asking")
	}
}

func TestWorkspaceClosed(t *testing.T) {
	ws, _, _ := openMemoryWorkspace(t)
	if err := ws.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := ws.CreateFolder("A"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestWorkspaceEventFeedPaging(t *testing.T) {
	ws, _, _ := openMemoryWorkspace(t)
	for _, folder := range []string{"a", "b", "c"} {
		if err := ws.CreateFolder(folder); err != nil {
			t.Fatalf("create folder failed: %v", err)
		}
	}
	first := ws.Events("", 2)
	if len(first.Events) != 2 || first.NextCursor == nil {
		t.Fatalf("expected a first page with cursor, got %+v", first)
	}
	rest := ws.Events(*first.NextCursor, 10)
	if len(rest.Events) == 0 || rest.NextCursor != nil {
		t.Fatalf("expected final page, got %+v", rest)
	}
}

func waitForEvent(events <-chan Event, eventType string) bool {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
