package server

import (
	"encoding/json"

	"meshval/internal/diag"
	"meshval/internal/domain"
	"meshval/internal/engine"
)

// Request payloads

type BackupRequest struct {
	Label string `json:"label,omitempty" maxLength:"200"`
}

type RestoreRequest struct {
	BackupID string `json:"backup_id" minLength:"1"`
}

type CreateAPIKeyRequest struct {
	ActorID string   `json:"actor_id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Scopes  []string `json:"scopes" minItems:"1"`
}

// Response payloads

type ValidationResponse struct {
	RunID       string            `json:"run_id"`
	SpecID      string            `json:"spec_id,omitempty"`
	Version     int               `json:"version,omitempty"`
	Valid       bool              `json:"valid"`
	Fingerprint string            `json:"fingerprint"`
	Errors      []diag.Diagnostic `json:"errors"`
	Warnings    []diag.Diagnostic `json:"warnings"`
	FixPatches  []diag.Patch      `json:"fix_patches"`
	CacheHits   int               `json:"cache_hits"`
	CacheMisses int               `json:"cache_misses"`
	DurationMS  int64             `json:"duration_ms"`
	Cached      bool              `json:"cached"`
}

type SaveSpecResponse struct {
	Version SpecVersionResponse `json:"version"`
	Created bool                `json:"created"`
}

type SpecVersionResponse struct {
	ID          string         `json:"id"`
	SpecID      string         `json:"spec_id"`
	Version     int            `json:"version"`
	ContentHash string         `json:"content_hash"`
	Document    map[string]any `json:"document,omitempty"`
	ActorID     string         `json:"actor_id"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type RunResponse struct {
	ID           string       `json:"id"`
	SpecID       string       `json:"spec_id,omitempty"`
	Version      int          `json:"version,omitempty"`
	Fingerprint  string       `json:"fingerprint"`
	Valid        bool         `json:"valid"`
	ErrorCount   int          `json:"error_count"`
	WarningCount int          `json:"warning_count"`
	CacheHits    int          `json:"cache_hits"`
	CacheMisses  int          `json:"cache_misses"`
	DurationMS   int64        `json:"duration_ms"`
	Result       *diag.Result `json:"result,omitempty"`
	ActorID      string       `json:"actor_id"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

type BackupResponse struct {
	ID          string `json:"id"`
	SpecID      string `json:"spec_id"`
	Version     int    `json:"version"`
	Label       string `json:"label"`
	ContentHash string `json:"content_hash"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type HistoryResponse struct {
	Spec     domain.Spec           `json:"spec"`
	Versions []SpecVersionResponse `json:"versions"`
	Backups  []BackupResponse      `json:"backups"`
	Runs     []RunResponse         `json:"runs"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SpecID     string         `json:"spec_id,omitempty"`
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
	ID         string   `json:"id"`
	ActorID    string   `json:"actor_id"`
	Name       string   `json:"name,omitempty"`
	Scopes     []string `json:"scopes"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	LastUsedAt string   `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  string   `json:"revoked_at,omitempty" format:"date-time"`
	Secret     string   `json:"secret,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Scopes  []string `json:"scopes"`
	Source  string   `json:"source"`
}

// Conversion helpers

func validationResponse(r engine.Report) ValidationResponse {
	resp := ValidationResponse{
		RunID:       r.Run.ID,
		SpecID:      r.Run.SpecID,
		Version:     r.Run.Version,
		Valid:       r.Run.Valid,
		Fingerprint: r.Run.Fingerprint,
		Errors:      []diag.Diagnostic{},
		Warnings:    []diag.Diagnostic{},
		FixPatches:  []diag.Patch{},
		CacheHits:   r.Run.CacheHits,
		CacheMisses: r.Run.CacheMisses,
		DurationMS:  r.Run.DurationMS,
		Cached:      r.Cached,
	}
	if r.Result != nil {
		resp.Errors = nonNilSlice(r.Result.Errors)
		resp.Warnings = nonNilSlice(r.Result.Warnings)
		resp.FixPatches = nonNilSlice(r.Result.FixPatches)
	}
	return resp
}

func specVersionResponse(v domain.SpecVersion) SpecVersionResponse {
	return SpecVersionResponse{
		ID:          v.ID,
		SpecID:      v.SpecID,
		Version:     v.Version,
		ContentHash: v.ContentHash,
		Document:    decodeJSONMap(v.Document),
		ActorID:     v.ActorID,
		CreatedAt:   v.CreatedAt,
	}
}

func runResponse(run domain.ValidationRun) RunResponse {
	resp := RunResponse{
		ID:           run.ID,
		SpecID:       run.SpecID,
		Version:      run.Version,
		Fingerprint:  run.Fingerprint,
		Valid:        run.Valid,
		ErrorCount:   run.ErrorCount,
		WarningCount: run.WarningCount,
		CacheHits:    run.CacheHits,
		CacheMisses:  run.CacheMisses,
		DurationMS:   run.DurationMS,
		ActorID:      run.ActorID,
		CreatedAt:    run.CreatedAt,
	}
	if len(run.Result) > 0 {
		var res diag.Result
		if err := json.Unmarshal(run.Result, &res); err == nil {
			resp.Result = &res
		}
	}
	return resp
}

func backupResponse(b domain.Backup) BackupResponse {
	return BackupResponse{
		ID:          b.ID,
		SpecID:      b.SpecID,
		Version:     b.Version,
		Label:       b.Label,
		ContentHash: b.ContentHash,
		CreatedAt:   b.CreatedAt,
	}
}

func historyResponse(h engine.History) HistoryResponse {
	resp := HistoryResponse{
		Spec:     h.Spec,
		Versions: []SpecVersionResponse{},
		Backups:  []BackupResponse{},
		Runs:     []RunResponse{},
	}
	for _, v := range h.Versions {
		resp.Versions = append(resp.Versions, specVersionResponse(v))
	}
	for _, b := range h.Backups {
		resp.Backups = append(resp.Backups, backupResponse(b))
	}
	for _, r := range h.Runs {
		resp.Runs = append(resp.Runs, runResponse(r))
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	payload := decodeJSONMap([]byte(e.Payload))
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SpecID:     e.SpecID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey, secret string) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		ActorID:    k.ActorID,
		Name:       k.Name,
		Scopes:     nonNilSlice(k.Scopes),
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
		RevokedAt:  k.RevokedAt,
		Secret:     secret,
	}
}

func decodeJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
