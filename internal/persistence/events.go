package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/islandd/internal/protocol"
)

// EventRow is one recorded hook event.
type EventRow struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	ToolUseID  string    `json:"tool_use_id,omitempty"`
	ToolInput  string    `json:"tool_input,omitempty"`
	Message    string    `json:"message,omitempty"`
	CWD        string    `json:"cwd,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// RecordEvent inserts one hook event. tool_input is stored in canonical
// form so identical invocations compare equal in queries.
func (s *Store) RecordEvent(ctx context.Context, ev protocol.Event, receivedAt time.Time) error {
	toolInput := ""
	if ev.ToolInput != nil {
		toolInput = ev.ToolInput.Canonical()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, kind, status, tool, tool_use_id, tool_input, message, cwd, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, ev.SessionID, ev.Kind, ev.Status, ev.Tool, ev.ToolUseID, toolInput, ev.Message, ev.CWD, receivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecordDecision inserts one decision outcome. delivered=false marks a
// decision whose write to the hook failed.
func (s *Store) RecordDecision(ctx context.Context, sessionID, toolUseID string, decision protocol.Decision, reason string, delivered bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (session_id, tool_use_id, decision, reason, delivered, decided_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, sessionID, toolUseID, string(decision), reason, delivered, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListSessionEvents returns the most recent events for a session, newest
// first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, status, tool, tool_use_id, tool_input, message, cwd, received_at
		FROM events
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(&row.ID, &row.SessionID, &row.Kind, &row.Status, &row.Tool,
			&row.ToolUseID, &row.ToolInput, &row.Message, &row.CWD, &row.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Sessions returns the distinct session ids seen, most recently active
// first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id
		FROM events
		GROUP BY session_id
		ORDER BY MAX(received_at) DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PruneBefore deletes events and decisions older than the cutoff. Returns
// the number of event rows removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE received_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	removed, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE decided_at < ?;`, cutoff.UTC()); err != nil {
		return removed, fmt.Errorf("prune decisions: %w", err)
	}
	return removed, nil
}

// EventCount returns the total number of stored events.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
