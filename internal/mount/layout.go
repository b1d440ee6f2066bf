package mount

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/projectfs/internal/catalog"
)

const shortcutExt = ".url"

// Node is one entry of the mounted tree. Directories have Children, files
// have Content.
type Node struct {
	Name     string
	Dir      bool
	Content  []byte
	ModTime  time.Time
	Project  catalog.DocumentID
	Children []*Node
}

func (n *Node) Child(name string) *Node {
	for _, child := range n.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// Lookup resolves a slash separated path below n.
func (n *Node) Lookup(path string) *Node {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if cur = cur.Child(part); cur == nil {
			return nil
		}
	}
	return cur
}

// BuildLayout renders the folder tree of ix as directories holding one
// internet shortcut per project. Hidden projects and orphans are left out.
// Names are unique per directory: a clash is resolved by appending the
// document ID.
func BuildLayout(ix *catalog.Index) *Node {
	return buildDir(ix, "", "")
}

func buildDir(ix *catalog.Index, path, name string) *Node {
	dir := &Node{Name: name, Dir: true}
	used := map[string]struct{}{}
	for _, child := range ix.Children(path) {
		node := buildDir(ix, child, sanitizeName(folderBase(child)))
		used[node.Name] = struct{}{}
		dir.Children = append(dir.Children, node)
	}

	for _, id := range ix.Members(path) {
		rec, ok := ix.Get(id)
		if !ok || rec.Orphaned || rec.Local.Hidden || rec.Remote == nil {
			continue
		}
		fileName := sanitizeName(rec.DisplayName()) + shortcutExt
		if _, taken := used[fileName]; taken {
			fileName = sanitizeName(fmt.Sprintf("%s (%s)", rec.DisplayName(), rec.ID)) + shortcutExt
		}
		for n := 2; ; n++ {
			if _, taken := used[fileName]; !taken {
				break
			}
			fileName = sanitizeName(fmt.Sprintf("%s (%s) %d", rec.DisplayName(), rec.ID, n)) + shortcutExt
		}
		used[fileName] = struct{}{}
		dir.Children = append(dir.Children, &Node{
			Name:    fileName,
			Content: shortcut(rec),
			ModTime: rec.Remote.LastModified,
			Project: rec.ID,
		})
		if dir.ModTime.Before(rec.Remote.LastModified) {
			dir.ModTime = rec.Remote.LastModified
		}
	}
	sort.SliceStable(dir.Children, func(i, j int) bool {
		a, b := dir.Children[i], dir.Children[j]
		if a.Dir != b.Dir {
			return a.Dir
		}
		return a.Name < b.Name
	})
	return dir
}

func shortcut(rec catalog.ProjectRecord) []byte {
	var b strings.Builder
	b.WriteString("[InternetShortcut]\n")
	b.WriteString("URL=" + rec.Remote.URL + "\n")
	if note := strings.TrimSpace(rec.Local.Note); note != "" {
		b.WriteString("Comment=" + strings.ReplaceAll(note, "\n", " ") + "\n")
	}
	return []byte(b.String())
}

func folderBase(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == 0:
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
