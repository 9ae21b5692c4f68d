package domain

type Run struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Mode         string   `json:"mode" enum:"plan,sync"`
	Status       string   `json:"status" enum:"running,completed,partial,failed,nothing_to_reconcile"`
	Root         string   `json:"root"`
	Repository   string   `json:"repository"`
	DryRun       bool     `json:"dry_run"`
	ActorID      string   `json:"actor_id"`
	Files        int      `json:"files"`
	Declarations int      `json:"declarations"`
	Creates      int      `json:"creates"`
	Updates      int      `json:"updates"`
	Closes       int      `json:"closes"`
	Skips        int      `json:"skips"`
	Failures     int      `json:"failures"`
	Errors       []string `json:"errors,omitempty"`
	StartedAt    string   `json:"started_at" format:"date-time"`
	FinishedAt   *string  `json:"finished_at,omitempty" format:"date-time"`
}

type RunOp struct {
	RunID       string `json:"run_id"`
	Seq         int    `json:"seq"`
	Kind        string `json:"kind" enum:"create,update,close,skip"`
	Fingerprint string `json:"fingerprint,omitempty"`
	RemoteID    int    `json:"remote_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Element     string `json:"element,omitempty"`
	Reopen      bool   `json:"reopen,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status" enum:"planned,applied,skipped,failed,cancelled"`
	Error       string `json:"error,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	Prefix     string  `json:"prefix"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
}
