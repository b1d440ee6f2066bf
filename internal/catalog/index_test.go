package catalog

import (
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeFolder(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"/":               "",
		"CT":              "CT",
		" /Papers//2024/": "Papers/2024",
		"a / b":           "a/b",
	}
	for raw, want := range cases {
		got, err := NormalizeFolder(raw)
		if err != nil {
			t.Fatalf("normalize %q failed: %v", raw, err)
		}
		if got != want {
			t.Fatalf("normalize %q: expected %q, got %q", raw, want, got)
		}
	}
	for _, raw := range []string{"a/../b", ".", "bad\x01name"} {
		if _, err := NormalizeFolder(raw); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", raw, err)
		}
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	folders := NewFolderSet("A", "B/C")
	locals := map[DocumentID]LocalRecord{
		"p1": {Folder: "A", Pinned: true},
		"p2": {Folder: "B/C"},
		"p9": {Folder: "gone"},
	}
	remotes := map[DocumentID]RemoteRecord{
		"p1": {ID: "p1", Name: "beta"},
		"p2": {ID: "p2", Name: "Alpha"},
		"p3": {ID: "p3", Name: "alpha"},
	}
	first := Build(folders, locals, remotes)
	for i := 0; i < 20; i++ {
		if next := Build(folders, locals, remotes); !reflect.DeepEqual(first, next) {
			t.Fatalf("build %d differs from first build", i)
		}
	}
	var order []DocumentID
	for _, rec := range first.Records() {
		order = append(order, rec.ID)
	}
	want := []DocumentID{"p2", "p3", "p1", "p9"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
}

func TestBuildOrdersCaseInsensitiveNamesByID(t *testing.T) {
	remotes := map[DocumentID]RemoteRecord{
		"B": {ID: "B", Name: "Thesis"},
		"A": {ID: "A", Name: "thesis"},
		"C": {ID: "C", Name: "abstract"},
	}
	ix := Build(NewFolderSet(), map[DocumentID]LocalRecord{}, remotes)
	want := []DocumentID{"C", "A", "B"}
	if got := ix.Members(""); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected members %v, got %v", want, got)
	}
}

func TestBuildKeepsOrphans(t *testing.T) {
	locals := map[DocumentID]LocalRecord{"gone": {Folder: "Archive", Note: "keep me"}}
	ix := Build(NewFolderSet(), locals, map[DocumentID]RemoteRecord{})
	rec, ok := ix.Get("gone")
	if !ok {
		t.Fatalf("expected orphan record to be present")
	}
	if !rec.Orphaned || rec.Remote != nil || rec.Local.Note != "keep me" {
		t.Fatalf("unexpected orphan record %+v", rec)
	}
	if len(ix.Orphans()) != 1 {
		t.Fatalf("expected one orphan, got %d", len(ix.Orphans()))
	}
	if members := ix.Members("Archive"); !reflect.DeepEqual(members, []DocumentID{"gone"}) {
		t.Fatalf("expected orphan listed in its folder, got %v", members)
	}
	if rec.DisplayName() != "gone" {
		t.Fatalf("expected orphan display name to fall back to id, got %q", rec.DisplayName())
	}
}

func TestBuildSynthesizesAncestorFolders(t *testing.T) {
	locals := map[DocumentID]LocalRecord{"p": {Folder: "A/B"}}
	remotes := map[DocumentID]RemoteRecord{"p": {ID: "p", Name: "x"}}
	ix := Build(NewFolderSet("Z/Y/X"), locals, remotes)

	for _, path := range []string{"A", "A/B", "Z", "Z/Y", "Z/Y/X"} {
		if !ix.HasFolder(path) {
			t.Fatalf("expected folder %q in tree", path)
		}
	}
	a, _ := ix.Folder("A")
	if a.Declared {
		t.Fatalf("expected A to be implicit")
	}
	x, _ := ix.Folder("Z/Y/X")
	if !x.Declared {
		t.Fatalf("expected Z/Y/X to be declared")
	}
	if children := ix.Children(""); !reflect.DeepEqual(children, []string{"A", "Z"}) {
		t.Fatalf("expected Home children [A Z], got %v", children)
	}
	tree := ix.Tree()
	if tree.Name != HomeFolderName || len(tree.Children) != 2 || tree.Children[0].Children[0].Projects[0] != "p" {
		t.Fatalf("unexpected tree %+v", tree)
	}
}

func TestBuildEmptyFolderSurvives(t *testing.T) {
	ix := Build(NewFolderSet("Empty"), nil, nil)
	if !ix.HasFolder("Empty") {
		t.Fatalf("expected declared empty folder in tree")
	}
	if ix.Len() != 0 {
		t.Fatalf("expected no records, got %d", ix.Len())
	}
}

func TestIndexQuery(t *testing.T) {
	locals := map[DocumentID]LocalRecord{
		"p1": {Folder: "Papers", Pinned: true},
		"p2": {Folder: "Papers/Drafts"},
		"p3": {Hidden: true, Pinned: true},
		"p5": {Folder: "Papers"},
	}
	remotes := map[DocumentID]RemoteRecord{
		"p1": {ID: "p1", Name: "Thesis", Owner: Owner{Name: "Ada"}},
		"p2": {ID: "p2", Name: "Workshop", Owner: Owner{Login: "grace@example.com"}},
		"p3": {ID: "p3", Name: "Secret"},
		"p4": {ID: "p4", Name: "Old", Archived: true},
	}
	ix := Build(NewFolderSet(), locals, remotes)

	ids := func(recs []ProjectRecord) []DocumentID {
		out := []DocumentID{}
		for _, rec := range recs {
			out = append(out, rec.ID)
		}
		return out
	}
	cases := []struct {
		name  string
		query Query
		want  []DocumentID
	}{
		{"all skips hidden", Query{View: ViewAll}, []DocumentID{"p4", "p5", "p1", "p2"}},
		{"pinned", Query{View: ViewPinned}, []DocumentID{"p1"}},
		{"pinned with hidden", Query{View: ViewPinned, IncludeHidden: true}, []DocumentID{"p3", "p1"}},
		{"hidden", Query{View: ViewHidden}, []DocumentID{"p3"}},
		{"archived", Query{View: ViewArchived}, []DocumentID{"p4"}},
		{"orphans", Query{View: ViewOrphans}, []DocumentID{"p5"}},
		{"home", Query{View: ViewHome}, []DocumentID{"p4"}},
		{"folder subtree", Query{View: ViewFolder, Folder: "Papers"}, []DocumentID{"p5", "p1", "p2"}},
		{"folder leaf", Query{View: ViewFolder, Folder: "Papers/Drafts"}, []DocumentID{"p2"}},
		{"text owner", Query{Text: "GRACE"}, []DocumentID{"p2"}},
		{"text folder", Query{Text: "drafts"}, []DocumentID{"p2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ids(ix.Query(tc.query)); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestParseView(t *testing.T) {
	if v, err := ParseView(""); err != nil || v != ViewAll {
		t.Fatalf("expected default view all, got %q %v", v, err)
	}
	if v, err := ParseView(" Pinned "); err != nil || v != ViewPinned {
		t.Fatalf("expected pinned view, got %q %v", v, err)
	}
	if _, err := ParseView("starred"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
