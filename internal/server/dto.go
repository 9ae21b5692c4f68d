package server

import (
	"encoding/json"

	"issuesync/internal/domain"
	"issuesync/internal/engine"
	"issuesync/internal/executor"
	"issuesync/internal/reconcile"
)

// Request payloads

type PassRequest struct {
	Root   string `json:"root,omitempty" doc:"Scan root override, relative to the server workspace"`
	DryRun bool   `json:"dry_run,omitempty" doc:"Stop after planning"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type OpResponse struct {
	Kind        string   `json:"kind" enum:"create,update,close,skip"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	RemoteID    int      `json:"remote_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	Element     string   `json:"element,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Reopen      bool     `json:"reopen,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Status      string   `json:"status,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type PassResponse struct {
	Run     domain.Run       `json:"run"`
	Applied bool             `json:"applied"`
	Ops     []OpResponse     `json:"ops"`
	Errors  []string         `json:"errors"`
	Summary executor.Summary `json:"summary"`
}

type RunsResponse struct {
	Items []domain.Run `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	Prefix     string  `json:"prefix"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

type CreatedAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key" doc:"Plaintext key; shown once"`
}

// Conversion helpers

func passResponse(p engine.Pass) PassResponse {
	resp := PassResponse{
		Run:     p.Run,
		Applied: p.Applied(),
		Ops:     make([]OpResponse, 0, len(p.Plan.Ops)),
		Errors:  []string{},
		Summary: executor.Summarize(p.Outcomes),
	}
	for i, op := range p.Plan.Ops {
		item := opResponse(op)
		if i < len(p.Outcomes) {
			o := p.Outcomes[i]
			item.Status = string(o.Status)
			item.Error = o.Error
			if o.RemoteID != 0 {
				item.RemoteID = o.RemoteID
			}
		}
		resp.Ops = append(resp.Ops, item)
	}
	for _, err := range p.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	return resp
}

func opResponse(op reconcile.Op) OpResponse {
	return OpResponse{
		Kind:        string(op.Kind),
		Fingerprint: string(op.Fingerprint),
		RemoteID:    op.RemoteID,
		Title:       op.Title,
		Element:     op.Element(),
		Labels:      op.Labels,
		Reopen:      op.Reopen,
		Reason:      op.Reason,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, Prefix: k.Prefix, CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
