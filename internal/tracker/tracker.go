package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"issuesync/internal/reconcile"
)

// RemoteIssue and State are the tracker-side view used by reconciliation.
type (
	RemoteIssue = reconcile.RemoteIssue
	State       = reconcile.State
)

// ErrReadOnly is returned by trackers that only serve snapshots.
var ErrReadOnly = errors.New("tracker is read-only")

// Patch is a partial issue edit. Nil fields are left untouched.
type Patch struct {
	Title  *string   `json:"title,omitempty"`
	Body   *string   `json:"body,omitempty"`
	Labels *[]string `json:"labels,omitempty"`
	State  *State    `json:"state,omitempty"`
}

// Tracker is the issue tracker the executor talks to. List returns every
// issue of the configured repository, open and closed.
type Tracker interface {
	List(ctx context.Context) ([]RemoteIssue, error)
	Create(ctx context.Context, title, body string, labels []string) (RemoteIssue, error)
	Edit(ctx context.Context, id int, patch Patch) (RemoteIssue, error)
}

// Snapshot is a read-only tracker backed by a fixed issue list. It powers
// offline planning.
type Snapshot struct {
	Issues []RemoteIssue
}

// LoadSnapshot reads a JSON array of issues from path.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var issues []RemoteIssue
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	for i, issue := range issues {
		switch issue.State {
		case reconcile.StateOpen, reconcile.StateClosed:
		case "":
			issues[i].State = reconcile.StateOpen
		default:
			return nil, fmt.Errorf("snapshot %s: issue #%d has invalid state %q", path, issue.ID, issue.State)
		}
	}
	return &Snapshot{Issues: issues}, nil
}

func (s *Snapshot) List(ctx context.Context) ([]RemoteIssue, error) {
	return append([]RemoteIssue(nil), s.Issues...), nil
}

func (s *Snapshot) Create(ctx context.Context, title, body string, labels []string) (RemoteIssue, error) {
	return RemoteIssue{}, ErrReadOnly
}

func (s *Snapshot) Edit(ctx context.Context, id int, patch Patch) (RemoteIssue, error) {
	return RemoteIssue{}, ErrReadOnly
}
