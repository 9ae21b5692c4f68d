package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// pages walks a paginated GET endpoint by following rel="next" links.
type pages[T any] struct {
	client  *GitHub
	nextURL string
}

// next returns the following page, or nil, nil once exhausted.
func (p *pages[T]) next(ctx context.Context) ([]T, error) {
	if p.nextURL == "" {
		return nil, nil
	}
	resp, body, err := p.client.send(ctx, http.MethodGet, p.nextURL, nil)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("github: decode page: %w", err)
	}
	p.nextURL = parseLinkNext(resp.Header.Get("Link"))
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (p *pages[T]) collect(ctx context.Context) ([]T, error) {
	var all []T
	for {
		items, err := p.next(ctx)
		if err != nil {
			return all, err
		}
		if items == nil {
			return all, nil
		}
		all = append(all, items...)
	}
}

// parseLinkNext extracts the rel="next" URL from an RFC 5988 Link header.
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 {
			continue
		}
		if !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		u := strings.TrimSpace(segments[0])
		if strings.HasPrefix(u, "<") && strings.HasSuffix(u, ">") {
			return u[1 : len(u)-1]
		}
	}
	return ""
}
