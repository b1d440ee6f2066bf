//go:build !linux && !darwin

package mount

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/projectfs/internal/catalog"
)

type Source interface {
	Index() *catalog.Index
}

type Options struct {
	Debug      bool
	AllowOther bool
	Logger     *slog.Logger
}

type Mounted struct{}

func Mount(dir string, source Source, opts Options) (*Mounted, error) {
	return nil, fmt.Errorf("%w: fuse mounts are not supported on this platform", catalog.ErrNotImplemented)
}

func (m *Mounted) Rebuild(ctx context.Context) {}

func (m *Mounted) Follow(ctx context.Context, events <-chan catalog.Event) {}

func (m *Mounted) Wait() {}

func (m *Mounted) Unmount() error {
	return nil
}
