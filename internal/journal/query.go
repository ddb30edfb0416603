package journal

import (
	"database/sql"
	"fmt"
	"time"
)

// CommandRecord is one stored command.
type CommandRecord struct {
	Session  string     `json:"session"`
	ID       uint64     `json:"id"`
	Verb     string     `json:"verb"`
	Payload  string     `json:"payload"`
	IssuedAt time.Time  `json:"issued_at"`
	Outcome  string     `json:"outcome,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	Settled  *time.Time `json:"settled_at,omitempty"`
}

// FrameRecord is one stored inbound frame.
type FrameRecord struct {
	ID         int64     `json:"id"`
	Session    string    `json:"session"`
	Kind       string    `json:"kind"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// RecentCommands returns up to limit commands of the current session, newest
// first.
func (j *Journal) RecentCommands(limit int) ([]CommandRecord, error) {
	rows, err := j.db.Query(`
		SELECT session_id, command_id, verb, payload, issued_ms, outcome, detail, settled_ms
		FROM commands
		WHERE session_id = ?
		ORDER BY command_id DESC
		LIMIT ?`, j.session, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			r               CommandRecord
			id, issued      int64
			outcome, detail sql.NullString
			settled         sql.NullInt64
		)
		if err := rows.Scan(&r.Session, &id, &r.Verb, &r.Payload, &issued, &outcome, &detail, &settled); err != nil {
			return nil, err
		}
		r.ID = uint64(id)
		r.IssuedAt = time.UnixMilli(issued)
		r.Outcome = outcome.String
		r.Detail = detail.String
		if settled.Valid {
			t := time.UnixMilli(settled.Int64)
			r.Settled = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentFrames returns up to limit inbound frames of the current session,
// newest first. An empty kind matches every frame.
func (j *Journal) RecentFrames(kind string, limit int) ([]FrameRecord, error) {
	rows, err := j.db.Query(`
		SELECT frame_id, session_id, kind, payload, received_ms
		FROM frames
		WHERE session_id = ? AND (? = '' OR kind = ?)
		ORDER BY frame_id DESC
		LIMIT ?`, j.session, kind, kind, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var (
			r        FrameRecord
			received int64
		)
		if err := rows.Scan(&r.ID, &r.Session, &r.Kind, &r.Payload, &received); err != nil {
			return nil, err
		}
		r.ReceivedAt = time.UnixMilli(received)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OutcomeCounts tallies the current session's commands by outcome; commands
// still awaiting a reply count as "pending".
func (j *Journal) OutcomeCounts() (map[string]int, error) {
	rows, err := j.db.Query(`
		SELECT COALESCE(outcome, 'pending'), COUNT(*)
		FROM commands
		WHERE session_id = ?
		GROUP BY 1`, j.session)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 10000:
		return 10000
	}
	return limit
}
