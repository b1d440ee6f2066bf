package catalog

import (
	"sort"
	"strings"
)

const HomeFolderName = "Home"

// FolderNode is one node of the derived folder tree. Declared is false for
// folders that exist only because a document or a descendant references them.
type FolderNode struct {
	Path     string       `json:"path"`
	Name     string       `json:"name"`
	Declared bool         `json:"declared"`
	Children []string     `json:"children"`
	Projects []DocumentID `json:"projects"`
}

func (n *FolderNode) clone() FolderNode {
	out := *n
	out.Children = append([]string(nil), n.Children...)
	out.Projects = append([]DocumentID(nil), n.Projects...)
	return out
}

// Index is the merged, read-only view over one local state and one remote
// snapshot. It is never mutated after Build returns, so it can be shared
// between goroutines without locking.
type Index struct {
	records  map[DocumentID]ProjectRecord
	order    []DocumentID
	folders  map[string]*FolderNode
	pinned   []DocumentID
	archived []DocumentID
	orphans  []DocumentID
}

// Build merges local annotations with a remote snapshot. Every remote
// project gets a record; local records without a remote counterpart become
// orphans and are kept. The result depends only on the inputs, never on map
// iteration order.
func Build(folders FolderSet, locals map[DocumentID]LocalRecord, remotes map[DocumentID]RemoteRecord) *Index {
	ix := &Index{
		records: make(map[DocumentID]ProjectRecord, len(remotes)+len(locals)),
		folders: map[string]*FolderNode{},
	}
	for id, remote := range remotes {
		remote := remote
		ix.records[id] = ProjectRecord{ID: id, Remote: &remote, Local: locals[id]}
	}
	for id, local := range locals {
		if _, ok := remotes[id]; ok {
			continue
		}
		ix.records[id] = ProjectRecord{ID: id, Local: local, Orphaned: true}
	}

	ix.order = make([]DocumentID, 0, len(ix.records))
	for id := range ix.records {
		ix.order = append(ix.order, id)
	}
	sort.Slice(ix.order, func(i, j int) bool {
		return recordLess(ix.records[ix.order[i]], ix.records[ix.order[j]])
	})

	root := ix.ensureFolder("")
	root.Declared = true
	for path := range folders {
		ix.ensureFolder(path).Declared = true
	}
	for _, id := range ix.order {
		rec := ix.records[id]
		node := ix.ensureFolder(rec.Local.Folder)
		node.Projects = append(node.Projects, id)
		if rec.Local.Pinned {
			ix.pinned = append(ix.pinned, id)
		}
		if rec.Archived() {
			ix.archived = append(ix.archived, id)
		}
		if rec.Orphaned {
			ix.orphans = append(ix.orphans, id)
		}
	}
	for _, node := range ix.folders {
		sort.Slice(node.Children, func(i, j int) bool {
			return nameLess(folderBase(node.Children[i]), folderBase(node.Children[j]), node.Children[i], node.Children[j])
		})
	}
	return ix
}

// ensureFolder returns the node for path, creating it and any missing
// ancestors as implicit nodes.
func (ix *Index) ensureFolder(path string) *FolderNode {
	if node, ok := ix.folders[path]; ok {
		return node
	}
	node := &FolderNode{Path: path, Name: folderBase(path)}
	if path == "" {
		node.Name = HomeFolderName
	}
	ix.folders[path] = node
	if path != "" {
		parent := ix.ensureFolder(folderParent(path))
		parent.Children = append(parent.Children, path)
	}
	return node
}

func recordLess(a, b ProjectRecord) bool {
	return nameLess(a.DisplayName(), b.DisplayName(), string(a.ID), string(b.ID))
}

// nameLess orders case-insensitively; equal names fall back to the tiebreak.
func nameLess(a, b, tieA, tieB string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return tieA < tieB
}

func (ix *Index) Len() int {
	return len(ix.order)
}

func (ix *Index) Get(id DocumentID) (ProjectRecord, bool) {
	rec, ok := ix.records[id]
	return rec, ok
}

// Records returns every record in display order.
func (ix *Index) Records() []ProjectRecord {
	return ix.resolve(ix.order)
}

func (ix *Index) Folder(path string) (FolderNode, bool) {
	node, ok := ix.folders[path]
	if !ok {
		return FolderNode{}, false
	}
	return node.clone(), true
}

func (ix *Index) HasFolder(path string) bool {
	_, ok := ix.folders[path]
	return ok
}

// FolderPaths lists every tree node except Home, sorted.
func (ix *Index) FolderPaths() []string {
	out := make([]string, 0, len(ix.folders))
	for path := range ix.folders {
		if path != "" {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func (ix *Index) Children(path string) []string {
	node, ok := ix.folders[path]
	if !ok {
		return nil
	}
	return append([]string(nil), node.Children...)
}

// Members returns the documents assigned directly to path.
func (ix *Index) Members(path string) []DocumentID {
	node, ok := ix.folders[path]
	if !ok {
		return nil
	}
	return append([]DocumentID(nil), node.Projects...)
}

func (ix *Index) Pinned() []ProjectRecord {
	return ix.resolve(ix.pinned)
}

func (ix *Index) Archived() []ProjectRecord {
	return ix.resolve(ix.archived)
}

func (ix *Index) Orphans() []ProjectRecord {
	return ix.resolve(ix.orphans)
}

func (ix *Index) resolve(ids []DocumentID) []ProjectRecord {
	out := make([]ProjectRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, ix.records[id])
	}
	return out
}

type TreeNode struct {
	Path     string       `json:"path"`
	Name     string       `json:"name"`
	Declared bool         `json:"declared"`
	Projects []DocumentID `json:"projects"`
	Children []TreeNode   `json:"children"`
}

// Tree returns the folder hierarchy rooted at Home.
func (ix *Index) Tree() TreeNode {
	return ix.treeAt("")
}

func (ix *Index) treeAt(path string) TreeNode {
	node := ix.folders[path]
	out := TreeNode{
		Path:     node.Path,
		Name:     node.Name,
		Declared: node.Declared,
		Projects: append([]DocumentID{}, node.Projects...),
		Children: make([]TreeNode, 0, len(node.Children)),
	}
	for _, child := range node.Children {
		out.Children = append(out.Children, ix.treeAt(child))
	}
	return out
}
