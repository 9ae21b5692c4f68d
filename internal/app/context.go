package app

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"issuesync/internal/config"
	"issuesync/internal/db"
	"issuesync/internal/engine"
	"issuesync/internal/tracker"
)

// TrackerMode selects how the engine reaches the issue tracker.
type TrackerMode int

const (
	// TrackerNone builds an engine that can only read run history.
	TrackerNone TrackerMode = iota
	// TrackerGitHub talks to the configured GitHub repository.
	TrackerGitHub
	// TrackerSnapshot reads remote issues from a JSON file and refuses writes.
	TrackerSnapshot
)

type Options struct {
	Workspace string
	Tracker   TrackerMode
	// SnapshotPath is required for TrackerSnapshot.
	SnapshotPath string
	Logger       zerolog.Logger
}

// Session is an opened workspace. Close releases the run history database.
type Session struct {
	Engine engine.Engine
	Config *config.Config
	conn   *sql.DB
}

func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Open loads the workspace config, opens run history and wires the tracker
// requested by opts.
func Open(opts Options) (*Session, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	ResolveScanRoot(workspace, cfg)

	var (
		trk        tracker.Tracker
		repository = cfg.Tracker.Repository
	)
	switch opts.Tracker {
	case TrackerGitHub:
		creds, err := cfg.LoadCredentials(workspace)
		if err != nil {
			return nil, err
		}
		gh, err := tracker.NewGitHub(tracker.Config{
			BaseURL:    cfg.Tracker.BaseURL,
			Repository: creds.Repository,
			Token:      creds.Token,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		trk, repository = gh, creds.Repository
	case TrackerSnapshot:
		if strings.TrimSpace(opts.SnapshotPath) == "" {
			return nil, fmt.Errorf("snapshot path required")
		}
		snap, err := tracker.LoadSnapshot(opts.SnapshotPath)
		if err != nil {
			return nil, err
		}
		trk = snap
		if repository == "" {
			repository = "snapshot:" + filepath.Base(opts.SnapshotPath)
		}
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	e := engine.New(conn, cfg, trk, repository, opts.Logger)
	return &Session{Engine: e, Config: cfg, conn: conn}, nil
}

// ResolveScanRoot anchors a relative scan root at the workspace.
func ResolveScanRoot(workspace string, cfg *config.Config) {
	root := cfg.Scan.Root
	if root == "" {
		root = "."
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(workspace, root)
	}
	cfg.Scan.Root = filepath.Clean(root)
}
