//go:build linux || darwin

package mount

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/agentworkforce/projectfs/internal/catalog"
)

// Source supplies the index to render. *catalog.Workspace satisfies it.
type Source interface {
	Index() *catalog.Index
}

type Options struct {
	Debug      bool
	AllowOther bool
	Logger     *slog.Logger
}

// Mounted is a live read-only view of a Source.
type Mounted struct {
	server *fuse.Server
	root   *rootNode
	source Source
	logger *slog.Logger
	mu     sync.Mutex
}

type rootNode struct {
	fs.Inode
	layout *Node
}

var _ = (fs.NodeOnAdder)((*rootNode)(nil))

func (r *rootNode) OnAdd(ctx context.Context) {
	addChildren(ctx, &r.Inode, r.layout)
}

func addChildren(ctx context.Context, parent *fs.Inode, node *Node) {
	for _, child := range node.Children {
		if child.Dir {
			dir := parent.NewPersistentInode(ctx, &fs.Inode{}, fs.StableAttr{Mode: fuse.S_IFDIR})
			parent.AddChild(child.Name, dir, true)
			addChildren(ctx, dir, child)
			continue
		}
		file := &fs.MemRegularFile{
			Data: child.Content,
			Attr: fuse.Attr{Mode: 0o444},
		}
		if !child.ModTime.IsZero() {
			file.Attr.SetTimes(nil, &child.ModTime, &child.ModTime)
		}
		inode := parent.NewPersistentInode(ctx, file, fs.StableAttr{})
		parent.AddChild(child.Name, inode, true)
	}
}

// Mount serves the folder tree of source at dir until Unmount.
func Mount(dir string, source Source, opts Options) (*Mounted, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root := &rootNode{layout: BuildLayout(source.Index())}
	server, err := fs.Mount(dir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "projectfs",
			Name:       "projectfs",
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	logger.Info("folder tree mounted", "dir", dir)
	return &Mounted{server: server, root: root, source: source, logger: logger}, nil
}

// Rebuild replaces the mounted tree with the current index.
func (m *Mounted) Rebuild(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	layout := BuildLayout(m.source.Index())
	m.root.RmAllChildren()
	m.root.layout = layout
	addChildren(ctx, &m.root.Inode, layout)
}

// Follow rebuilds the tree on every index rebuild until ctx is done or
// events closes.
func (m *Mounted) Follow(ctx context.Context, events <-chan catalog.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != catalog.EventIndexRebuilt {
				continue
			}
			m.Rebuild(ctx)
			m.logger.Debug("mounted tree rebuilt", "reason", event.Reason, "records", event.Records)
		}
	}
}

func (m *Mounted) Wait() {
	m.server.Wait()
}

func (m *Mounted) Unmount() error {
	return m.server.Unmount()
}
