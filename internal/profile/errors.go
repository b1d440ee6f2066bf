package profile

import (
	"errors"
	"fmt"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrProfileExists   = errors.New("profile already exists")
	ErrProfileLocked   = errors.New("profile is in use by another process")
	ErrInvalidName     = errors.New("invalid profile name")
	ErrMoveVerify      = errors.New("profile copy does not match original")
)

type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("profile %q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrProfileNotFound
}

type ExistsError struct {
	Name string
	Path string
}

func (e *ExistsError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("profile %q already exists at %s", e.Name, e.Path)
	}
	return fmt.Sprintf("profile %q already exists", e.Name)
}

func (e *ExistsError) Is(target error) bool {
	return target == ErrProfileExists
}
