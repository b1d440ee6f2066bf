package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/projectfs/internal/catalog"
	"github.com/agentworkforce/projectfs/internal/config"
	"github.com/agentworkforce/projectfs/internal/httpapi"
	"github.com/agentworkforce/projectfs/internal/profile"
	"github.com/agentworkforce/projectfs/internal/remote"
)

const usage = `usage: projectfs [command] [flags]

commands:
  serve                    run the API server and background refresh (default)
  refresh                  refresh the active profile once and exit
  profiles list            list profiles
  profiles create NAME     create a profile
  profiles use NAME        make NAME the active profile
  profiles move NAME DIR   move a profile's directory
`

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "projectfs: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(os.Args[1:], cfg, os.Stdout, logger); err != nil {
		logger.Error("projectfs failed", "err", err)
		os.Exit(1)
	}
}

func run(args []string, cfg config.Config, out io.Writer, logger *slog.Logger) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		return serve(args, cfg, logger)
	case "refresh":
		return refreshOnce(args, cfg, out, logger)
	case "profiles":
		return profilesCommand(args, cfg, out, logger)
	case "help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

// bindFlags registers the flags shared by serve and refresh. Flags default
// to the loaded configuration, so they override file and environment.
func bindFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.ProfileRoot, "root", cfg.ProfileRoot, "profile root directory")
	fs.StringVar(&cfg.Profile, "profile", cfg.Profile, "profile name (default: active profile)")
	fs.StringVar(&cfg.SnapshotDSN, "snapshot-dsn", cfg.SnapshotDSN, "snapshot backend DSN (file://, memory://, postgres://)")
	fs.StringVar(&cfg.Remote.BaseURL, "base-url", cfg.Remote.BaseURL, "remote service base URL")
	fs.StringVar(&cfg.Remote.Token, "remote-token", cfg.Remote.Token, "remote session cookie or token")
	fs.DurationVar(&cfg.Refresh.Timeout, "refresh-timeout", cfg.Refresh.Timeout, "per-refresh timeout")
}

type session struct {
	root   profile.Root
	ws     *catalog.Workspace
	lock   *profile.Lock
	logger *slog.Logger
}

func (s *session) Close() {
	if err := s.ws.Close(); err != nil {
		s.logger.Warn("close workspace", "err", err)
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("release profile lock", "err", err)
		}
	}
}

func resolveProfile(cfg config.Config, logger *slog.Logger) (*profile.Manager, profile.Root, error) {
	manager, err := profile.NewManager(cfg.ProfileRoot, logger)
	if err != nil {
		return nil, profile.Root{}, err
	}
	var root profile.Root
	if name := strings.TrimSpace(cfg.Profile); name != "" {
		root, err = manager.Select(name)
	} else {
		root, err = manager.EnsureDefault(profile.Info{})
	}
	if err != nil {
		return nil, profile.Root{}, err
	}
	return manager, root, nil
}

// openSession locks the profile and opens its workspace. Load failures are
// reported but do not stop the process; the workspace shows what it could
// read and refuses mutations until the state is fixed.
func openSession(cfg config.Config, logger *slog.Logger) (*session, error) {
	_, root, err := resolveProfile(cfg, logger)
	if err != nil {
		return nil, err
	}
	lock, err := root.Lock()
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", root.Name, err)
	}
	logger = logger.With("profile", root.Name)
	ws, err := root.OpenWorkspace(cfg.SnapshotDSN, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if loadErr := ws.LoadError(); loadErr != nil {
		logger.Warn("profile state could not be fully loaded", "err", loadErr)
	}
	return &session{root: root, ws: ws, lock: lock, logger: logger}, nil
}

func baseURLFor(cfg config.Config, root profile.Root) string {
	if root.Info.BaseURL != "" {
		return root.Info.BaseURL
	}
	return cfg.Remote.BaseURL
}

func newRefresher(cfg config.Config, s *session) (*catalog.Refresher, error) {
	client := remote.NewClient(remote.Options{
		BaseURL:    baseURLFor(cfg, s.root),
		Timeout:    cfg.Remote.Timeout,
		MaxRetries: cfg.Remote.MaxRetries,
		Logger:     s.logger,
	})
	return catalog.NewRefresher(s.ws, catalog.RefresherOptions{
		Fetcher: client,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Refresh.Timeout,
		Logger:  s.logger,
	})
}

func serve(args []string, cfg config.Config, logger *slog.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bindFlags(fs, &cfg)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "listen address")
	fs.DurationVar(&cfg.Refresh.Interval, "interval", cfg.Refresh.Interval, "background refresh interval (0 disables)")
	fs.Float64Var(&cfg.Refresh.Jitter, "interval-jitter", cfg.Refresh.Jitter, "refresh interval jitter ratio (0.0-1.0)")
	fs.BoolVar(&cfg.Watch.Enabled, "watch", cfg.Watch.Enabled, "watch profile files for external changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	refresher, err := newRefresher(cfg, s)
	if err != nil {
		return err
	}
	defer refresher.Close()

	if cfg.Watch.Enabled {
		watcher, err := catalog.WatchFiles([]string{s.root.LocalPath(), s.root.SnapshotPath()}, cfg.Watch.Debounce, func() {
			if _, err := s.ws.CheckForChanges(); err != nil {
				s.logger.Warn("change check failed", "err", err)
			}
		}, s.logger)
		if err != nil {
			s.logger.Warn("file watching disabled", "err", err)
		} else {
			defer watcher.Close()
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Refresh.OnStart && cfg.Remote.Token != "" {
		refresher.Start()
	}
	go refresher.Run(rootCtx, cfg.Refresh.Interval, cfg.Refresh.Jitter)

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewServerWithConfig(s.ws, refresher, httpapi.ServerConfig{
			Token:  cfg.Server.Token,
			Logger: s.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("projectfs listening", "addr", cfg.Server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-rootCtx.Done():
	}
	s.logger.Info("projectfs stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func refreshOnce(args []string, cfg config.Config, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	refresher, err := newRefresher(cfg, s)
	if err != nil {
		return err
	}
	defer refresher.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	result, err := refresher.Refresh(rootCtx, catalog.TriggerManual)
	if err != nil {
		var refreshErr *catalog.RefreshError
		if errors.As(err, &refreshErr) {
			return errors.New(refreshErr.UserMessage())
		}
		return err
	}
	fmt.Fprintf(out, "%s: %d projects, %d orphaned\n", s.root.Name, result.Records, result.Orphans)
	return nil
}

func profilesCommand(args []string, cfg config.Config, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("profiles", flag.ContinueOnError)
	fs.StringVar(&cfg.ProfileRoot, "root", cfg.ProfileRoot, "profile root directory")
	displayName := fs.String("display-name", "", "display name for create")
	baseURL := fs.String("base-url", "", "remote base URL for create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		rest = []string{"list"}
	}
	manager, err := profile.NewManager(cfg.ProfileRoot, logger)
	if err != nil {
		return err
	}

	switch rest[0] {
	case "list":
		profiles, err := manager.List()
		if err != nil {
			return err
		}
		active := ""
		if root, err := manager.Active(); err == nil {
			active = root.Name
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ACTIVE\tNAME\tDISPLAY NAME\tDIR")
		for _, root := range profiles {
			marker := ""
			if root.Name == active {
				marker = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, root.Name, root.Info.DisplayName, root.Dir)
		}
		return tw.Flush()
	case "create":
		if len(rest) != 2 {
			return fmt.Errorf("usage: projectfs profiles create NAME")
		}
		root, err := manager.Create(rest[1], profile.Info{DisplayName: *displayName, BaseURL: *baseURL})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created profile %s at %s\n", root.Name, root.Dir)
		return nil
	case "use":
		if len(rest) != 2 {
			return fmt.Errorf("usage: projectfs profiles use NAME")
		}
		if err := manager.SetActive(rest[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "active profile is now %s\n", rest[1])
		return nil
	case "move":
		if len(rest) != 3 {
			return fmt.Errorf("usage: projectfs profiles move NAME DIR")
		}
		root, err := manager.Move(rest[1], rest[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "moved profile %s to %s\n", root.Name, root.Dir)
		return nil
	default:
		return fmt.Errorf("unknown profiles command %q\n%s", rest[0], usage)
	}
}
