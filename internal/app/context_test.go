package app_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"issuesync/internal/app"
	"issuesync/internal/config"
	"issuesync/internal/engine"
	"issuesync/internal/tracker"
)

func writeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(config.GenerateDefault("demo")), 0o644); err != nil {
		t.Fatal(err)
	}
	src := `[GitHubIssue(IssueType.BUG, IssueStatus.TODO, "t", "d")] public class A { }`
	if err := os.WriteFile(filepath.Join(dir, "A.cs"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestOpenWithSnapshotPlansWithoutWriting(t *testing.T) {
	dir := writeWorkspace(t)
	snap := filepath.Join(dir, "remote.json")
	if err := os.WriteFile(snap, []byte(`[{"id": 7, "title": "foreign", "body": "not ours", "labels": [], "state": "open"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := app.Open(app.Options{Workspace: dir, Tracker: app.TrackerSnapshot, SnapshotPath: snap, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if s.Config.Scan.Root != filepath.Clean(dir) {
		t.Fatalf("scan root not anchored: %s", s.Config.Scan.Root)
	}
	if !strings.HasPrefix(s.Engine.Repository, "snapshot:") {
		t.Fatalf("unexpected repository %q", s.Engine.Repository)
	}
	pass, err := s.Engine.Plan(context.Background(), engine.PassOptions{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if c := pass.Plan.Counts(); c.Create != 1 || c.Close != 0 {
		t.Fatalf("unexpected counts %+v", c)
	}
	if _, err := s.Engine.Tracker.Create(context.Background(), "x", "y", nil); err != tracker.ErrReadOnly {
		t.Fatalf("snapshot must be read-only, got %v", err)
	}
}

func TestOpenGitHubNeedsToken(t *testing.T) {
	dir := writeWorkspace(t)
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_REPOSITORY", "acme/widgets")
	if _, err := app.Open(app.Options{Workspace: dir, Tracker: app.TrackerGitHub, Logger: zerolog.Nop()}); err == nil {
		t.Fatalf("expected missing token error")
	}
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	s, err := app.Open(app.Options{Workspace: dir, Tracker: app.TrackerGitHub, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if s.Engine.Repository != "acme/widgets" {
		t.Fatalf("repository from env not used: %q", s.Engine.Repository)
	}
}

func TestOpenWithoutConfigHints(t *testing.T) {
	_, err := app.Open(app.Options{Workspace: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "issuesync init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}
