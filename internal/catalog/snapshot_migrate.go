package catalog

import (
	"strings"
	"time"
)

// snapshotFileV1 is the first snapshot layout: a free-form owner label and a
// zone-less ISO timestamp next to the label the site displayed.
type snapshotFileV1 struct {
	Version  int                           `json:"version"`
	Projects map[DocumentID]remoteRecordV1 `json:"projects"`
}

type remoteRecordV1 struct {
	ID              DocumentID `json:"id"`
	Name            string     `json:"name"`
	URL             *string    `json:"url"`
	OwnerLabel      *string    `json:"owner_label"`
	LastModifiedRaw *string    `json:"last_modified_raw"`
	LastModified    *string    `json:"last_modified"`
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

func migrateSnapshotV1(in snapshotFileV1) snapshotFile {
	out := snapshotFile{
		Version:  SnapshotFormatVersion,
		Projects: make(map[DocumentID]RemoteRecord, len(in.Projects)),
	}
	for id, legacy := range in.Projects {
		out.Projects[id] = RemoteRecord{
			ID:              legacy.ID,
			Name:            legacy.Name,
			URL:             derefString(legacy.URL),
			Owner:           Owner{Name: derefString(legacy.OwnerLabel)},
			LastModified:    parseLegacyTime(derefString(legacy.LastModified)),
			LastModifiedRaw: derefString(legacy.LastModifiedRaw),
		}
	}
	return out
}

// parseLegacyTime reads timestamps without a zone as UTC. Unparseable values
// yield the zero time; the raw label is kept separately.
func parseLegacyTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range legacyTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
