package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"issuesync/internal/domain"
	"issuesync/internal/events"
	"issuesync/internal/repo"
)

const (
	apiKeyPrefix     = "isk_"
	// shown in listings so keys can be told apart without the secret
	displayPrefixLen = len(apiKeyPrefix) + 8
)

// CreatedAPIKey carries the plaintext key, which is only available at creation.
type CreatedAPIKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// CreateAPIKey mints a key for actorID and stores its hash.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (CreatedAPIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return CreatedAPIKey{}, errors.New("actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return CreatedAPIKey{}, fmt.Errorf("generate key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		Prefix:    plain[:displayPrefixLen],
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreatedAPIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return CreatedAPIKey{}, err
	}
	payload := events.EventPayload{"name": key.Name, "for_actor": actorID}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, e.projectID(), "api_key", key.ID, actorID, payload); err != nil {
		return CreatedAPIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreatedAPIKey{}, err
	}
	return CreatedAPIKey{APIKey: key, Key: plain}, nil
}

// RevokeAPIKey deletes a key by id.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if actorID == "" {
		actorID = defaultActor
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyRevoked, e.projectID(), "api_key", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAPIKeys lists stored keys, optionally for one actor.
func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// ListEvents returns the newest events of the configured project.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, evtType, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, e.projectID(), evtType, entityID)
}
