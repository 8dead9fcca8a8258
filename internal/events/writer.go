package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one lifecycle event inside tx. version 0 is stored as NULL.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityName string, version int, actorID string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_name,version,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, entityKind, entityName, nullableVersion(version), actorID, string(data))
	return err
}

func nullableVersion(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
