package store

import (
	"context"
	"fmt"
)

// InsertEvent writes a durable event row. The Event Emitter calls this
// before broadcasting on the bus, never after, so a reader of the log never
// observes a broadcast that the log doesn't also have (C8's ordering
// invariant).
func (s *Store) InsertEvent(ctx context.Context, e EventRow) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (type, ticket_id, worker_id, stage, message)
			VALUES (?, ?, ?, ?, ?);
		`, e.Type, e.TicketID, e.WorkerID, e.Stage, e.Message)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.Type, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListEventsSince returns events with id > afterID, ascending, for replay
// (e.g. a gateway client reconnecting after a bus gap).
func (s *Store) ListEventsSince(ctx context.Context, afterID int64, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, ticket_id, worker_id, stage, message, created_at
		FROM events WHERE id > ? ORDER BY id LIMIT ?;
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", afterID, err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.ID, &e.Type, &e.TicketID, &e.WorkerID, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
