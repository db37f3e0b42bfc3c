package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	SpecSaved     = "spec.saved"
	SpecValidated = "spec.validated"
	SpecRestored  = "spec.restored"
	SpecBackedUp  = "spec.backed_up"
	SpecDeleted   = "spec.deleted"
	KeyCreated    = "api_key.created"
	KeyRevoked    = "api_key.revoked"
)

// Entity kinds an event may concern.
const (
	KindSpec   = "spec"
	KindRun    = "validation_run"
	KindBackup = "backup"
	KindAPIKey = "api_key"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, specID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,spec_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(specID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
