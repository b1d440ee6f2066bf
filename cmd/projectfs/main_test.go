package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/projectfs/internal/config"
	"github.com/agentworkforce/projectfs/internal/profile"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ProfileRoot = filepath.Join(t.TempDir(), "profiles")
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProfilesCommands(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer

	if err := run([]string{"profiles", "-display-name", "Work", "create", "work"}, cfg, &out, discardLogger()); err != nil {
		t.Fatalf("create work failed: %v", err)
	}
	if err := run([]string{"profiles", "create", "home"}, cfg, &out, discardLogger()); err != nil {
		t.Fatalf("create home failed: %v", err)
	}
	if err := run([]string{"profiles", "use", "home"}, cfg, &out, discardLogger()); err != nil {
		t.Fatalf("use home failed: %v", err)
	}
	out.Reset()
	if err := run([]string{"profiles", "list"}, cfg, &out, discardLogger()); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two profiles, got:\n%s", out.String())
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[1]), "* ") || !strings.Contains(lines[1], "home") {
		t.Fatalf("expected home to be marked active, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "Work") {
		t.Fatalf("expected display name in listing, got %q", lines[2])
	}

	dest := filepath.Join(t.TempDir(), "moved")
	out.Reset()
	if err := run([]string{"profiles", "move", "work", dest}, cfg, &out, discardLogger()); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	manager, err := profile.NewManager(cfg.ProfileRoot, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	root, err := manager.Select("work")
	if err != nil {
		t.Fatalf("select moved profile: %v", err)
	}
	if root.Dir != dest {
		t.Fatalf("expected profile in %s, got %s", dest, root.Dir)
	}
}

func TestProfilesCommandRejectsBadUsage(t *testing.T) {
	cfg := testConfig(t)
	for _, args := range [][]string{
		{"profiles", "create"},
		{"profiles", "use"},
		{"profiles", "move", "only-name"},
		{"profiles", "rename", "a", "b"},
		{"bogus"},
	} {
		if err := run(args, cfg, io.Discard, discardLogger()); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestRefreshCommand(t *testing.T) {
	remoteServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "session=abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"projects":[{"id":"p1","name":"Thesis"},{"id":"p2","name":"Slides"}]}`))
	}))
	defer remoteServer.Close()

	cfg := testConfig(t)
	cfg.Remote.BaseURL = remoteServer.URL
	var out bytes.Buffer
	if err := run([]string{"refresh", "-remote-token", "session=abc"}, cfg, &out, discardLogger()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "primary: 2 projects, 0 orphaned" {
		t.Fatalf("unexpected refresh output %q", got)
	}

	err := run([]string{"refresh", "-remote-token", "session=expired"}, cfg, io.Discard, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "rejected the login") {
		t.Fatalf("expected login failure message, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "showing cached data") {
		t.Fatalf("expected cached data hint after a successful refresh, got %v", err)
	}
}

func TestBaseURLPrefersProfileSetting(t *testing.T) {
	cfg := config.Default()
	if got := baseURLFor(cfg, profile.Root{}); got != cfg.Remote.BaseURL {
		t.Fatalf("expected configured base URL, got %s", got)
	}
	root := profile.Root{Info: profile.Info{BaseURL: "https://latex.example.com"}}
	if got := baseURLFor(cfg, root); got != "https://latex.example.com" {
		t.Fatalf("expected profile base URL, got %s", got)
	}
}
