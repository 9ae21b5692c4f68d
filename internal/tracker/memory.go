package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"issuesync/internal/reconcile"
)

// Memory is an in-process Tracker. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	issues map[int]RemoteIssue
	nextID int
	calls  []string

	// Fail, when set, is consulted before every mutation. id is zero for
	// creates.
	Fail func(kind string, id int, title string) error
}

// NewMemory seeds a tracker with the given issues.
func NewMemory(seed ...RemoteIssue) *Memory {
	m := &Memory{issues: make(map[int]RemoteIssue, len(seed))}
	for _, r := range seed {
		m.issues[r.ID] = cloneIssue(r)
		if r.ID > m.nextID {
			m.nextID = r.ID
		}
	}
	return m
}

func cloneIssue(r RemoteIssue) RemoteIssue {
	r.Labels = append([]string(nil), r.Labels...)
	return r
}

func (m *Memory) List(ctx context.Context) ([]RemoteIssue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RemoteIssue, 0, len(m.issues))
	for _, r := range m.issues {
		out = append(out, cloneIssue(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Create(ctx context.Context, title, body string, labels []string) (RemoteIssue, error) {
	if err := ctx.Err(); err != nil {
		return RemoteIssue{}, err
	}
	if m.Fail != nil {
		if err := m.Fail("create", 0, title); err != nil {
			return RemoteIssue{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r := RemoteIssue{ID: m.nextID, Title: title, Body: body, Labels: append([]string(nil), labels...), State: reconcile.StateOpen}
	m.issues[r.ID] = r
	m.calls = append(m.calls, fmt.Sprintf("create #%d", r.ID))
	return cloneIssue(r), nil
}

func (m *Memory) Edit(ctx context.Context, id int, patch Patch) (RemoteIssue, error) {
	if err := ctx.Err(); err != nil {
		return RemoteIssue{}, err
	}
	m.mu.Lock()
	r, ok := m.issues[id]
	if !ok {
		m.mu.Unlock()
		return RemoteIssue{}, &APIError{StatusCode: 404, Message: "Not Found"}
	}
	title := r.Title
	m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail("edit", id, title); err != nil {
			return RemoteIssue{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r = m.issues[id]
	if patch.Title != nil {
		r.Title = *patch.Title
	}
	if patch.Body != nil {
		r.Body = *patch.Body
	}
	if patch.Labels != nil {
		r.Labels = append([]string(nil), (*patch.Labels)...)
	}
	if patch.State != nil {
		r.State = *patch.State
	}
	m.issues[id] = r
	m.calls = append(m.calls, fmt.Sprintf("edit #%d", id))
	return cloneIssue(r), nil
}

// Calls returns the mutations applied so far, in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Get returns one issue.
func (m *Memory) Get(id int) (RemoteIssue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.issues[id]
	return cloneIssue(r), ok
}
