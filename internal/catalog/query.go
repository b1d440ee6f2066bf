package catalog

import (
	"fmt"
	"strings"
)

type View string

const (
	ViewAll      View = "all"
	ViewPinned   View = "pinned"
	ViewArchived View = "archived"
	ViewHidden   View = "hidden"
	ViewOrphans  View = "orphans"
	ViewHome     View = "home"
	ViewFolder   View = "folder"
)

func ParseView(raw string) (View, error) {
	switch v := View(strings.ToLower(strings.TrimSpace(raw))); v {
	case "":
		return ViewAll, nil
	case ViewAll, ViewPinned, ViewArchived, ViewHidden, ViewOrphans, ViewHome, ViewFolder:
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown view %q", ErrInvalidInput, raw)
	}
}

// Query selects records the way the project table filters them: hidden
// projects are left out unless asked for, Folder matches the folder and all
// of its descendants, and Text is a case-insensitive substring of the name,
// owner or folder.
type Query struct {
	View          View
	Folder        string
	Text          string
	IncludeHidden bool
}

func (ix *Index) Query(q Query) []ProjectRecord {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	out := []ProjectRecord{}
	for _, id := range ix.order {
		rec := ix.records[id]
		if !q.matchesView(rec) {
			continue
		}
		if text != "" && !recordMatchesText(rec, text) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (q Query) matchesView(rec ProjectRecord) bool {
	if q.View == ViewHidden {
		return rec.Local.Hidden
	}
	if rec.Local.Hidden && !q.IncludeHidden {
		return false
	}
	switch q.View {
	case ViewPinned:
		return rec.Local.Pinned
	case ViewArchived:
		return rec.Archived()
	case ViewOrphans:
		return rec.Orphaned
	case ViewHome:
		return rec.Local.Folder == ""
	case ViewFolder:
		return withinFolder(q.Folder, rec.Local.Folder)
	default:
		return true
	}
}

func recordMatchesText(rec ProjectRecord, text string) bool {
	fields := []string{rec.DisplayName(), rec.Local.Folder}
	if rec.Remote != nil {
		fields = append(fields, rec.Remote.Owner.Name, rec.Remote.Owner.Login)
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), text) {
			return true
		}
	}
	return false
}
