package domain

import "encoding/json"

type Spec struct {
	ID             string `json:"id"`
	CurrentVersion int    `json:"current_version"`
	ContentHash    string `json:"content_hash"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type SpecVersion struct {
	ID          string          `json:"id"`
	SpecID      string          `json:"spec_id"`
	Version     int             `json:"version"`
	ContentHash string          `json:"content_hash"`
	Document    json.RawMessage `json:"document,omitempty"`
	ActorID     string          `json:"actor_id"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

type Backup struct {
	ID          string          `json:"id"`
	SpecID      string          `json:"spec_id"`
	Version     int             `json:"version"`
	Label       string          `json:"label"`
	ContentHash string          `json:"content_hash"`
	Document    json.RawMessage `json:"document,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

type ValidationRun struct {
	ID           string          `json:"id"`
	SpecID       string          `json:"spec_id,omitempty"`
	Version      int             `json:"version,omitempty"`
	Fingerprint  string          `json:"fingerprint"`
	Valid        bool            `json:"valid"`
	ErrorCount   int             `json:"error_count"`
	WarningCount int             `json:"warning_count"`
	CacheHits    int             `json:"cache_hits"`
	CacheMisses  int             `json:"cache_misses"`
	DurationMS   int64           `json:"duration_ms"`
	Result       json.RawMessage `json:"result,omitempty"`
	ActorID      string          `json:"actor_id"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SpecID     string `json:"spec_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string   `json:"id"`
	ActorID    string   `json:"actor_id"`
	Name       string   `json:"name,omitempty"`
	KeyHash    string   `json:"key_hash"`
	Scopes     []string `json:"scopes"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	LastUsedAt string   `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  string   `json:"revoked_at,omitempty" format:"date-time"`
}
