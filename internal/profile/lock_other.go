//go:build !unix

package profile

import (
	"errors"
	"fmt"
	"os"
)

// Lock is a lock file created exclusively. A crashed process leaves it
// behind; remove it by hand.
type Lock struct {
	path string
	file *os.File
}

func acquireLock(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrProfileLocked, path)
		}
		return nil, err
	}
	return &Lock{path: path, file: file}, nil
}

func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	if removeErr := os.Remove(l.path); err == nil {
		err = removeErr
	}
	l.file = nil
	return err
}
