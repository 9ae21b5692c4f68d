package issuesyncsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSyncSendsOptionsAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/sync" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "isk_test" {
			t.Errorf("missing api key header")
		}
		var opts SyncOptions
		_ = json.NewDecoder(r.Body).Decode(&opts)
		if !opts.DryRun || opts.Root != "src" {
			t.Errorf("unexpected options %+v", opts)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"run":{"id":"r1","mode":"sync","status":"completed","dry_run":true},"applied":false,"ops":[{"kind":"create","title":"t"}],"errors":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "isk_test"
	pass, err := c.Sync(context.Background(), SyncOptions{Root: "src", DryRun: true})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if pass.Run.ID != "r1" || !pass.Run.DryRun || len(pass.Ops) != 1 || pass.Ops[0].Kind != "create" {
		t.Fatalf("unexpected pass %+v", pass)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" || r.URL.Query().Get("mode") != "plan" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"unauthorized","message":"authentication required"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Runs(context.Background(), "plan", 5)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "unauthorized" {
		t.Fatalf("unexpected error %v", err)
	}
}
