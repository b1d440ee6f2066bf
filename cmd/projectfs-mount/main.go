package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/projectfs/internal/catalog"
	"github.com/agentworkforce/projectfs/internal/config"
	"github.com/agentworkforce/projectfs/internal/mount"
	"github.com/agentworkforce/projectfs/internal/profile"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "projectfs-mount: %v\n", err)
		os.Exit(2)
	}

	flag.StringVar(&cfg.ProfileRoot, "root", cfg.ProfileRoot, "profile root directory")
	flag.StringVar(&cfg.Profile, "profile", cfg.Profile, "profile name (default: active profile)")
	flag.StringVar(&cfg.SnapshotDSN, "snapshot-dsn", cfg.SnapshotDSN, "snapshot backend DSN")
	flag.StringVar(&cfg.Mount.Dir, "dir", cfg.Mount.Dir, "mount point")
	flag.DurationVar(&cfg.Watch.Debounce, "debounce", cfg.Watch.Debounce, "delay before reacting to file changes")
	debug := flag.Bool("debug", false, "log FUSE traffic")
	allowOther := flag.Bool("allow-other", false, "let other users read the mount")
	flag.Parse()

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if strings.TrimSpace(cfg.Mount.Dir) == "" {
		logger.Error("mount point is required (--dir or PROJECTFS_MOUNT_DIR)")
		os.Exit(2)
	}
	if err := run(cfg, mount.Options{Debug: *debug, AllowOther: *allowOther, Logger: logger}, logger); err != nil {
		logger.Error("projectfs-mount failed", "err", err)
		os.Exit(1)
	}
}

// run serves a read-only view. It does not take the profile lock, so it can
// run next to the API server that owns the profile.
func run(cfg config.Config, opts mount.Options, logger *slog.Logger) error {
	root, err := selectProfile(cfg, logger)
	if err != nil {
		return err
	}
	logger = logger.With("profile", root.Name)
	ws, err := root.OpenWorkspace(cfg.SnapshotDSN, logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	if loadErr := ws.LoadError(); loadErr != nil {
		logger.Warn("profile state could not be fully loaded", "err", loadErr)
	}

	if err := os.MkdirAll(cfg.Mount.Dir, 0o755); err != nil {
		return err
	}
	mounted, err := mount.Mount(cfg.Mount.Dir, ws, opts)
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := ws.Subscribe()
	defer unsubscribe()
	go mounted.Follow(rootCtx, events)

	watcher, err := catalog.WatchFiles([]string{root.LocalPath(), root.SnapshotPath()}, cfg.Watch.Debounce, func() {
		followExternalChanges(ws, logger)
	}, logger)
	if err != nil {
		logger.Warn("file watching disabled, the mount will not follow changes", "err", err)
	} else {
		defer watcher.Close()
	}

	go func() {
		<-rootCtx.Done()
		if err := mounted.Unmount(); err != nil {
			logger.Warn("unmount failed", "err", err)
		}
	}()
	mounted.Wait()
	logger.Info("folder tree unmounted", "dir", cfg.Mount.Dir)
	return nil
}

func selectProfile(cfg config.Config, logger *slog.Logger) (profile.Root, error) {
	manager, err := profile.NewManager(cfg.ProfileRoot, logger)
	if err != nil {
		return profile.Root{}, err
	}
	if name := strings.TrimSpace(cfg.Profile); name != "" {
		return manager.Select(name)
	}
	return manager.Active()
}

// followExternalChanges always takes the version on disk. The mount never
// edits local state, so there is nothing in memory worth keeping.
func followExternalChanges(ws *catalog.Workspace, logger *slog.Logger) {
	changes, err := ws.CheckForChanges()
	if err != nil {
		logger.Warn("change check failed", "err", err)
		return
	}
	if !changes.Local {
		return
	}
	if err := ws.ResolveLocalChange(catalog.AcceptExternal); err != nil {
		logger.Warn("reload local state failed", "err", err)
	}
}
