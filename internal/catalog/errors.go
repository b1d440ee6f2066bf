package catalog

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrCorruptState       = errors.New("corrupt state")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrFolderNotEmpty     = errors.New("folder not empty")
	ErrRefreshInProgress  = errors.New("refresh in progress")
	ErrAuth               = errors.New("remote authentication failed")
	ErrNetwork            = errors.New("remote service unreachable")
	ErrClosed             = errors.New("workspace closed")
	ErrExternalChange     = errors.New("local state changed on disk, reload or keep in-memory state first")
	ErrNotImplemented     = errors.New("not implemented")
)

// CorruptStateError reports a backing representation that could not be
// parsed or failed schema validation. It is never repaired automatically.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("corrupt state in %s", e.Path)
	}
	return fmt.Sprintf("corrupt state in %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

func (e *CorruptStateError) Is(target error) bool {
	return target == ErrCorruptState
}

type UnsupportedVersionError struct {
	Path      string
	Version   int
	Supported int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("%s has format version %d, newest supported is %d", e.Path, e.Version, e.Supported)
}

func (e *UnsupportedVersionError) Is(target error) bool {
	return target == ErrUnsupportedVersion
}

// FolderNotEmptyError names the first thing that keeps a folder from being
// deleted: an assigned document or a child folder.
type FolderNotEmptyError struct {
	Folder     string
	DocumentID DocumentID
	Child      string
}

func (e *FolderNotEmptyError) Error() string {
	switch {
	case e.DocumentID != "":
		return fmt.Sprintf("cannot delete folder %q: project %q is assigned to it", e.Folder, e.DocumentID)
	case e.Child != "":
		return fmt.Sprintf("cannot delete folder %q: it contains folder %q", e.Folder, e.Child)
	default:
		return fmt.Sprintf("cannot delete folder %q: folder not empty", e.Folder)
	}
}

func (e *FolderNotEmptyError) Is(target error) bool {
	return target == ErrFolderNotEmpty
}

type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote authentication failed (http %d)", e.StatusCode)
	}
	return fmt.Sprintf("remote authentication failed (http %d): %s", e.StatusCode, e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

type NetworkError struct {
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote service unreachable (http %d)", e.StatusCode)
	}
	if e.Err == nil {
		return "remote service unreachable"
	}
	return fmt.Sprintf("remote service unreachable: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// RefreshError wraps a failed refresh attempt together with the time of the
// snapshot that remains in use.
type RefreshError struct {
	Err         error
	CachedAt    time.Time
	AttemptedAt time.Time
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// UserMessage renders the failure the way the presentation layer shows it.
func (e *RefreshError) UserMessage() string {
	var cause string
	switch {
	case errors.Is(e.Err, ErrAuth):
		cause = "remote service rejected the login"
	case errors.Is(e.Err, ErrNetwork):
		cause = "could not reach remote service"
	case errors.Is(e.Err, ErrCorruptState):
		cause = "could not store the refreshed project list"
	default:
		cause = "refresh failed"
	}
	if e.CachedAt.IsZero() {
		return cause + ", no cached data available"
	}
	return fmt.Sprintf("%s, showing cached data from %s", cause, e.CachedAt.Local().Format("2006-01-02 15:04"))
}
