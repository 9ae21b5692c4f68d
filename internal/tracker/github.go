package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"issuesync/internal/reconcile"
)

const (
	apiVersion     = "2022-11-28"
	DefaultBaseURL = "https://api.github.com"
	pageSize       = 100
	maxBodyBytes   = 16 << 20
)

// Config configures a GitHub client. Repository is "owner/name".
type Config struct {
	BaseURL    string
	Repository string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// GitHub is a Tracker backed by the GitHub REST issues API.
type GitHub struct {
	baseURL string
	owner   string
	repo    string
	token   string
	http    *http.Client
	limit   *rateLimit
	log     zerolog.Logger
}

// ParseRepository splits "owner/name".
func ParseRepository(s string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("repository must be owner/name, got %q", s)
	}
	return owner, name, nil
}

// NewGitHub validates cfg and returns a client.
func NewGitHub(cfg Config) (*GitHub, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", base)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	owner, name, err := ParseRepository(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("github: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &GitHub{
		baseURL: base,
		owner:   owner,
		repo:    name,
		token:   cfg.Token,
		http:    client,
		limit:   &rateLimit{now: now},
		log:     cfg.Logger.With().Str("repository", cfg.Repository).Logger(),
	}, nil
}

type wireLabel struct {
	Name string `json:"name"`
}

type wireIssue struct {
	Number      int         `json:"number"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	State       string      `json:"state"`
	Labels      []wireLabel `json:"labels"`
	PullRequest *struct{}   `json:"pull_request,omitempty"`
}

func (w wireIssue) remote() RemoteIssue {
	labels := make([]string, 0, len(w.Labels))
	for _, l := range w.Labels {
		labels = append(labels, l.Name)
	}
	return RemoteIssue{ID: w.Number, Title: w.Title, Body: w.Body, Labels: labels, State: reconcile.State(w.State)}
}

func (g *GitHub) issuesPath() string {
	return fmt.Sprintf("/repos/%s/%s/issues", url.PathEscape(g.owner), url.PathEscape(g.repo))
}

// List returns every issue of the repository, open and closed. Pull requests
// share the issues endpoint and are dropped.
func (g *GitHub) List(ctx context.Context) ([]RemoteIssue, error) {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("per_page", fmt.Sprint(pageSize))
	it := &pages[wireIssue]{client: g, nextURL: g.baseURL + g.issuesPath() + "?" + q.Encode()}
	wire, err := it.collect(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteIssue, 0, len(wire))
	for _, w := range wire {
		if w.PullRequest != nil {
			continue
		}
		out = append(out, w.remote())
	}
	g.log.Debug().Int("issues", len(out)).Msg("listed issues")
	return out, nil
}

func (g *GitHub) Create(ctx context.Context, title, body string, labels []string) (RemoteIssue, error) {
	req := struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels,omitempty"`
	}{title, body, labels}
	var w wireIssue
	if err := g.do(ctx, http.MethodPost, g.issuesPath(), req, &w); err != nil {
		return RemoteIssue{}, err
	}
	g.log.Info().Int("issue", w.Number).Str("title", title).Msg("created issue")
	return w.remote(), nil
}

func (g *GitHub) Edit(ctx context.Context, id int, patch Patch) (RemoteIssue, error) {
	var w wireIssue
	if err := g.do(ctx, http.MethodPatch, fmt.Sprintf("%s/%d", g.issuesPath(), id), patch, &w); err != nil {
		return RemoteIssue{}, err
	}
	g.log.Info().Int("issue", id).Msg("edited issue")
	return w.remote(), nil
}

func (g *GitHub) do(ctx context.Context, method, path string, in, out any) error {
	_, body, err := g.send(ctx, method, g.baseURL+path, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("github: decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs one authenticated request and returns the response with its
// body. A rate-limited response is retried once after the advertised backoff.
func (g *GitHub) send(ctx context.Context, method, rawURL string, in any) (*http.Response, []byte, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return nil, nil, fmt.Errorf("github: encode request: %w", err)
		}
	}
	for attempt := 0; ; attempt++ {
		resp, body, err := g.roundTrip(ctx, method, rawURL, payload)
		if err != nil {
			return nil, nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, body, nil
		}
		apiErr := parseAPIError(resp.StatusCode, body)
		if attempt == 0 && IsRateLimited(apiErr) {
			if wait := g.limit.retryAfter(resp.Header); wait > 0 {
				g.log.Warn().Dur("backoff", wait).Str("method", method).Msg("rate limited, backing off")
				if err := sleep(ctx, wait); err != nil {
					return nil, nil, err
				}
				continue
			}
		}
		return nil, nil, apiErr
	}
}

func (g *GitHub) roundTrip(ctx context.Context, method, rawURL string, payload []byte) (*http.Response, []byte, error) {
	if err := g.limit.wait(ctx); err != nil {
		return nil, nil, err
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("github: %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()
	g.limit.update(resp.Header)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("github: read response: %w", err)
	}
	return resp, body, nil
}
