package catalog

import (
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	MaxFolderPathLength    = 1024
	MaxFolderSegmentLength = 255
)

// FolderSet is the set of folders the user declared, including empty ones.
// Home ("") is implicit and never stored.
type FolderSet map[string]struct{}

func NewFolderSet(paths ...string) FolderSet {
	set := FolderSet{}
	for _, path := range paths {
		set.Add(path)
	}
	return set
}

func (s FolderSet) Add(path string) {
	if path == "" {
		return
	}
	s[path] = struct{}{}
}

func (s FolderSet) Has(path string) bool {
	_, ok := s[path]
	return ok
}

func (s FolderSet) Remove(path string) {
	delete(s, path)
}

func (s FolderSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for path := range s {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// WithAncestors returns a copy that also contains every prefix of every member.
func (s FolderSet) WithAncestors() FolderSet {
	out := make(FolderSet, len(s))
	for path := range s {
		out.Add(path)
		for _, ancestor := range folderAncestors(path) {
			out.Add(ancestor)
		}
	}
	return out
}

// NormalizeFolder canonicalizes a user supplied folder path: surrounding and
// repeated slashes are dropped and segments are trimmed. "" is Home.
func NormalizeFolder(raw string) (string, error) {
	parts := strings.Split(strings.TrimSpace(raw), "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := validation.Validate(part,
			validation.Length(1, MaxFolderSegmentLength),
			validation.NotIn(".", ".."),
			validation.By(noControlChars),
		); err != nil {
			return "", fmt.Errorf("%w: folder %q: segment %q %v", ErrInvalidInput, raw, part, err)
		}
		segments = append(segments, part)
	}
	path := strings.Join(segments, "/")
	if err := validation.Validate(path, validation.Length(0, MaxFolderPathLength)); err != nil {
		return "", fmt.Errorf("%w: folder %q %v", ErrInvalidInput, raw, err)
	}
	return path, nil
}

func noControlChars(value interface{}) error {
	s, _ := value.(string)
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("must not contain control characters")
		}
	}
	return nil
}

// folderAncestors lists the strict prefixes of path, shortest first.
func folderAncestors(path string) []string {
	if path == "" {
		return nil
	}
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

func folderParent(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[:idx]
	}
	return ""
}

func folderBase(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// withinFolder reports whether candidate is base or lies below it. Every
// folder is within Home.
func withinFolder(base, candidate string) bool {
	if base == "" {
		return true
	}
	return candidate == base || strings.HasPrefix(candidate, base+"/")
}

// rebaseFolder moves candidate from under oldBase to under newBase.
func rebaseFolder(candidate, oldBase, newBase string) string {
	if candidate == oldBase {
		return newBase
	}
	rest := strings.TrimPrefix(candidate, oldBase+"/")
	if newBase == "" {
		return rest
	}
	return newBase + "/" + rest
}
