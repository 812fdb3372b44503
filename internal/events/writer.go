package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to pipeline_activity, the durable audit trail.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append inserts one activity row inside the caller's transaction and
// returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, briefID, agent, message string, payload Payload) (int64, error) {
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
		return 0, fmt.Errorf("marshal activity payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO pipeline_activity(ts,type,brief_id,agent,message,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(briefID), agent, nullable(message), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
