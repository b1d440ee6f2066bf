package catalog

import (
	"sort"
	"time"
)

// DocumentID is the identifier the remote service assigns to a project. It is
// case-sensitive and is the only key joining remote and local records.
type DocumentID string

type Owner struct {
	Name  string `json:"name"`
	Login string `json:"login,omitempty"`
}

// RemoteRecord is the metadata the remote service reports for one project.
type RemoteRecord struct {
	ID              DocumentID `json:"id"`
	Name            string     `json:"name"`
	Owner           Owner      `json:"owner"`
	LastModified    time.Time  `json:"lastModified"`
	LastModifiedRaw string     `json:"lastModifiedRaw,omitempty"`
	Archived        bool       `json:"archived"`
	URL             string     `json:"url"`
}

// LocalRecord holds the user's own organization of a project. Folder "" is Home.
type LocalRecord struct {
	Folder string `json:"folder"`
	Pinned bool   `json:"pinned"`
	Hidden bool   `json:"hidden"`
	Note   string `json:"notes"`
}

func (r LocalRecord) IsZero() bool {
	return r == LocalRecord{}
}

// LocalState is the full content of the local annotation store.
type LocalState struct {
	Folders FolderSet
	Records map[DocumentID]LocalRecord
}

func NewLocalState() LocalState {
	return LocalState{
		Folders: FolderSet{},
		Records: map[DocumentID]LocalRecord{},
	}
}

func (s LocalState) Clone() LocalState {
	out := LocalState{
		Folders: make(FolderSet, len(s.Folders)),
		Records: make(map[DocumentID]LocalRecord, len(s.Records)),
	}
	for path := range s.Folders {
		out.Folders[path] = struct{}{}
	}
	for id, rec := range s.Records {
		out.Records[id] = rec
	}
	return out
}

// Snapshot is one complete remote listing. It is replaced wholesale.
type Snapshot struct {
	Records   map[DocumentID]RemoteRecord
	FetchedAt time.Time
}

func NewSnapshot() Snapshot {
	return Snapshot{Records: map[DocumentID]RemoteRecord{}}
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Records:   make(map[DocumentID]RemoteRecord, len(s.Records)),
		FetchedAt: s.FetchedAt,
	}
	for id, rec := range s.Records {
		out.Records[id] = rec
	}
	return out
}

func (s Snapshot) IDs() []DocumentID {
	ids := make([]DocumentID, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ProjectRecord pairs the remote and local halves of one project. Remote is
// nil for orphans: projects the current snapshot no longer lists.
type ProjectRecord struct {
	ID       DocumentID    `json:"id"`
	Remote   *RemoteRecord `json:"remote,omitempty"`
	Local    LocalRecord   `json:"local"`
	Orphaned bool          `json:"orphaned"`
}

func (r ProjectRecord) DisplayName() string {
	if r.Remote != nil && r.Remote.Name != "" {
		return r.Remote.Name
	}
	return string(r.ID)
}

func (r ProjectRecord) Archived() bool {
	return r.Remote != nil && r.Remote.Archived
}

func (r ProjectRecord) OwnerLabel() string {
	if r.Remote == nil {
		return ""
	}
	if r.Remote.Owner.Name != "" {
		return r.Remote.Owner.Name
	}
	return r.Remote.Owner.Login
}
