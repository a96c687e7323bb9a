package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"venality/internal/domain"
)

// Office lifecycle event types.
const (
	TypeRegistryInitialized = "registry.initialized"
	TypeOfficeCreated       = "office.created"
	TypeOfficeBought        = "office.bought"
	TypeOfficeRenewed       = "office.renewed"
	TypeOfficeRevoked       = "office.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w *Writer) Append(ctx context.Context, evtType, officeID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,office_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(officeID), nullable(actorID), string(data))
	return err
}

// After returns events with IDs greater than the cursor in ascending order.
func After(ctx context.Context, db *sql.DB, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT id,ts,type,COALESCE(office_id,''),COALESCE(actor_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OfficeID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the most recent event ID, 0 when the log is empty.
func LatestID(ctx context.Context, db *sql.DB) (int64, error) {
	var id int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
