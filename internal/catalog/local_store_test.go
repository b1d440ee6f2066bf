package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestJSONFileLocalStoreMissingFileIsEmpty(t *testing.T) {
	store := NewJSONFileLocalStore(filepath.Join(t.TempDir(), LocalStateFileName))
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load missing local state failed: %v", err)
	}
	if len(state.Folders) != 0 || len(state.Records) != 0 {
		t.Fatalf("expected empty state, got %+v", state)
	}
}

func TestJSONFileLocalStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile", LocalStateFileName)
	store := NewJSONFileLocalStore(path)

	state := NewLocalState()
	state.Folders.Add("CT")
	state.Folders.Add("Teaching/2024")
	state.Records["P1"] = LocalRecord{Folder: "CT", Pinned: true, Note: "draft due friday"}
	state.Records["P2"] = LocalRecord{Hidden: true}
	if err := store.Save(state); err != nil {
		t.Fatalf("save local state failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load local state failed: %v", err)
	}
	if !reflect.DeepEqual(state, loaded) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", state, loaded)
	}
}

func TestEncodeLocalStateIsDeterministic(t *testing.T) {
	a := NewLocalState()
	b := NewLocalState()
	for _, folder := range []string{"b", "a", "c/d"} {
		a.Folders.Add(folder)
	}
	for _, folder := range []string{"c/d", "a", "b"} {
		b.Folders.Add(folder)
	}
	a.Records["x"] = LocalRecord{Folder: "a"}
	a.Records["y"] = LocalRecord{Pinned: true}
	b.Records["y"] = LocalRecord{Pinned: true}
	b.Records["x"] = LocalRecord{Folder: "a"}

	first, err := encodeLocalState(a)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second, err := encodeLocalState(b)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected identical encodings:\n%s\n%s", first, second)
	}
	if !strings.HasSuffix(string(first), "}\n") {
		t.Fatalf("expected trailing newline, got %q", first)
	}
}

func TestJSONFileLocalStoreToleratesNullsAndMissingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), LocalStateFileName)
	raw := `{"folders": ["/Papers/ ", "Papers/Drafts"], "projects": {"abc": {"folder": null, "notes": null, "pinned": true}}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
	state, err := NewJSONFileLocalStore(path).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !state.Folders.Has("Papers") || !state.Folders.Has("Papers/Drafts") {
		t.Fatalf("expected normalized folders, got %v", state.Folders.Sorted())
	}
	rec := state.Records["abc"]
	if rec.Folder != "" || rec.Note != "" || !rec.Pinned {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestJSONFileLocalStoreRejectsCorruptFile(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"folders": [`,
		"not an object":   `["a"]`,
		"wrong type":      `{"version": 1, "folders": "CT"}`,
		"bad folder":      `{"version": 1, "folders": ["a/../b"]}`,
		"empty id":        `{"version": 1, "projects": {"": {"pinned": true}}}`,
		"pinned a string": `{"version": 1, "projects": {"p": {"pinned": "yes"}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), LocalStateFileName)
			if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
				t.Fatalf("write fixture failed: %v", err)
			}
			_, err := NewJSONFileLocalStore(path).Load()
			if !errors.Is(err, ErrCorruptState) {
				t.Fatalf("expected corrupt state error, got %v", err)
			}
			var corrupt *CorruptStateError
			if !errors.As(err, &corrupt) || corrupt.Path != path {
				t.Fatalf("expected corrupt state error naming %s, got %#v", path, err)
			}
		})
	}
}

func TestJSONFileLocalStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), LocalStateFileName)
	if err := os.WriteFile(path, []byte(`{"version": 9, "folders": []}`), 0o644); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
	_, err := NewJSONFileLocalStore(path).Load()
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version error, got %v", err)
	}
	var unsupported *UnsupportedVersionError
	if !errors.As(err, &unsupported) || unsupported.Version != 9 {
		t.Fatalf("expected version 9 in error, got %#v", err)
	}
}

func TestJSONFileLocalStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONFileLocalStore(filepath.Join(dir, LocalStateFileName))
	for i := 0; i < 3; i++ {
		state := NewLocalState()
		state.Folders.Add("f")
		if err := store.Save(state); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != LocalStateFileName {
		names := []string{}
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Fatalf("expected only %s, got %v", LocalStateFileName, names)
	}
}
