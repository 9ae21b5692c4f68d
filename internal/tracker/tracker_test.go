package tracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"issuesync/internal/reconcile"
	"issuesync/internal/tracker"
)

func newClient(t *testing.T, srv *httptest.Server) *tracker.GitHub {
	t.Helper()
	gh, err := tracker.NewGitHub(tracker.Config{
		BaseURL:    srv.URL,
		Repository: "acme/widgets",
		Token:      "secret",
		HTTPClient: srv.Client(),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return gh
}

func TestListFollowsPagesAndDropsPullRequests(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" || r.Header.Get("X-GitHub-Api-Version") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
			return
		}
		if r.URL.Query().Get("state") != "all" {
			t.Errorf("expected state=all, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`[{"number":3,"title":"c","body":null,"state":"closed","labels":[]}]`))
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/widgets/issues?state=all&page=2>; rel="next", <%s/x>; rel="last"`, srv.URL, srv.URL))
		_, _ = w.Write([]byte(`[
			{"number":1,"title":"a","body":"b1","state":"open","labels":[{"name":"BUG"}]},
			{"number":2,"title":"pr","body":"","state":"open","labels":[],"pull_request":{}}
		]`))
	}))
	defer srv.Close()

	issues, err := newClient(t, srv).List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(issues) != 2 || issues[0].ID != 1 || issues[1].ID != 3 {
		t.Fatalf("unexpected issues %+v", issues)
	}
	if issues[0].Labels[0] != "BUG" || issues[1].State != reconcile.StateClosed || issues[1].Body != "" {
		t.Fatalf("unexpected decoding %+v", issues)
	}
}

func TestCreateAndEditSendPayloads(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		got = append(got, payload)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/issues":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"number":42,"title":"t","body":"b","state":"open","labels":[{"name":"TASK"}]}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/repos/acme/widgets/issues/42":
			_, _ = w.Write([]byte(`{"number":42,"title":"t","body":"b","state":"closed","labels":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	gh := newClient(t, srv)

	created, err := gh.Create(context.Background(), "t", "b", []string{"TASK"})
	if err != nil || created.ID != 42 {
		t.Fatalf("create: %v %+v", err, created)
	}
	closed := reconcile.StateClosed
	edited, err := gh.Edit(context.Background(), 42, tracker.Patch{State: &closed})
	if err != nil || edited.State != reconcile.StateClosed {
		t.Fatalf("edit: %v %+v", err, edited)
	}
	if got[0]["title"] != "t" || got[0]["body"] != "b" {
		t.Fatalf("unexpected create payload %v", got[0])
	}
	if len(got[1]) != 1 || got[1]["state"] != "closed" {
		t.Fatalf("edit must only send state, got %v", got[1])
	}
}

func TestRateLimitedRequestIsRetriedOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You have exceeded a secondary rate limit"}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	issues, err := newClient(t, srv).List(context.Background())
	if err != nil || len(issues) != 0 {
		t.Fatalf("expected empty list after retry, got %v %v", issues, err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
}

func TestAPIErrorsAreTyped(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Validation Failed","errors":[{"resource":"Issue","field":"title","code":"missing_field"}]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}))
	defer srv.Close()
	gh := newClient(t, srv)

	_, err := gh.Create(context.Background(), "", "b", nil)
	var apiErr *tracker.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 422 || len(apiErr.Errors) != 1 {
		t.Fatalf("expected 422 APIError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Issue.title: missing_field") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if _, err := gh.Edit(context.Background(), 9, tracker.Patch{}); !tracker.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewGitHubValidatesConfig(t *testing.T) {
	cases := []tracker.Config{
		{Repository: "acme/widgets"},
		{Repository: "acme", Token: "x"},
		{Repository: "acme/widgets/extra", Token: "x"},
		{Repository: "acme/widgets", Token: "x", BaseURL: "http://example.com"},
	}
	for _, cfg := range cases {
		if _, err := tracker.NewGitHub(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
	if _, err := tracker.NewGitHub(tracker.Config{Repository: "acme/widgets", Token: "x"}); err != nil {
		t.Fatalf("expected defaults to validate: %v", err)
	}
}

func TestLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remote.json")
	data := `[{"id":4,"title":"x","body":"b","labels":["TASK"]},{"id":5,"title":"y","body":"","state":"closed"}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := tracker.LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	issues, _ := snap.List(context.Background())
	if len(issues) != 2 || issues[0].State != reconcile.StateOpen || issues[1].State != reconcile.StateClosed {
		t.Fatalf("unexpected snapshot %+v", issues)
	}
	if _, err := snap.Create(context.Background(), "t", "b", nil); !errors.Is(err, tracker.ErrReadOnly) {
		t.Fatalf("expected read-only, got %v", err)
	}
	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte(`[{"id":1,"state":"merged"}]`), 0o644)
	if _, err := tracker.LoadSnapshot(bad); err == nil {
		t.Fatalf("expected invalid state error")
	}
}

func TestMemoryTracker(t *testing.T) {
	m := tracker.NewMemory(reconcile.RemoteIssue{ID: 7, Title: "old", State: reconcile.StateOpen})
	created, _ := m.Create(context.Background(), "new", "body", []string{"BUG"})
	if created.ID != 8 {
		t.Fatalf("expected id after seed, got %d", created.ID)
	}
	title := "renamed"
	if _, err := m.Edit(context.Background(), 7, tracker.Patch{Title: &title}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got, _ := m.Get(7); got.Title != "renamed" {
		t.Fatalf("edit not applied: %+v", got)
	}
	if _, err := m.Edit(context.Background(), 99, tracker.Patch{}); !tracker.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if calls := m.Calls(); len(calls) != 2 || calls[0] != "create #8" || calls[1] != "edit #7" {
		t.Fatalf("unexpected calls %v", calls)
	}
}
