package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"meshval/internal/domain"
	"meshval/internal/engine/auth"
	"meshval/internal/events"
	"meshval/internal/repo"
)

const apiKeyPrefix = "mv_"

// CreateAPIKey issues a key for actorID. The plaintext secret is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, scopes []string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor id is required")
	}
	normalized, err := auth.NormalizeScopes(scopes)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if len(normalized) == 0 {
		return domain.APIKey{}, "", errors.New("at least one scope is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		Scopes:    normalized,
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.KeyCreated, "", events.KindAPIKey, key.ID, actorID,
		events.EventPayload{"name": name, "scopes": normalized}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// Authenticate resolves a plaintext API key to its principal and records
// its use.
func (e Engine) Authenticate(ctx context.Context, secret string) (auth.Principal, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return auth.Principal{}, err
	}
	if err := e.Repo.TouchAPIKey(ctx, key.ID, e.now()); err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{ActorID: key.ActorID, Scopes: key.Scopes, Source: "api_key"}, nil
}

// RevokeAPIKey makes a key unusable for authentication.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeAPIKey(ctx, tx, keyID, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.KeyRevoked, "", events.KindAPIKey, keyID, actorIDOrDefault(actorID), nil); err != nil {
		return err
	}
	return tx.Commit()
}
