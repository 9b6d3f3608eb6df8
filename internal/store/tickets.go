package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateTicket inserts a new ticket at firstStage in state open. Used for
// coordinator submissions and for tickets_to_create entries on a planning
// outcome.
func (s *Store) CreateTicket(ctx context.Context, id, projectID, firstStage string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tickets (id, project_id, current_stage, state)
			VALUES (?, ?, ?, ?);
		`, id, projectID, firstStage, StateOpen)
		if err != nil {
			return fmt.Errorf("create ticket %s: %w", id, err)
		}
		return nil
	})
}

// GetTicket fetches a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (Ticket, error) {
	t, err := s.scanTicket(s.db.QueryRowContext(ctx, ticketSelectColumns+` WHERE id = ?;`, id))
	if err == sql.ErrNoRows {
		return Ticket{}, ErrTicketNotFound
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, nil
}

const ticketSelectColumns = `
	SELECT id, project_id, current_stage, state, claim_worker_id, claim_acquired_at,
		resolution, hold_reason, created_at, updated_at, last_transitioned_at
	FROM tickets`

func (s *Store) scanTicket(row *sql.Row) (Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.ProjectID, &t.CurrentStage, &t.State, &t.ClaimWorkerID, &t.ClaimAcquiredAt,
		&t.Resolution, &t.HoldReason, &t.CreatedAt, &t.UpdatedAt, &t.LastTransitionedAt)
	return t, err
}

// ListTickets returns tickets for a project, optionally filtered by stage
// (empty stage means all stages).
func (s *Store) ListTickets(ctx context.Context, projectID, stage string) ([]Ticket, error) {
	query := `
		SELECT id, project_id, current_stage, state, claim_worker_id, claim_acquired_at,
			resolution, hold_reason, created_at, updated_at, last_transitioned_at
		FROM tickets WHERE project_id = ?`
	args := []interface{}{projectID}
	if stage != "" {
		query += ` AND current_stage = ?`
		args = append(args, stage)
	}
	query += ` ORDER BY created_at;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.CurrentStage, &t.State, &t.ClaimWorkerID, &t.ClaimAcquiredAt,
			&t.Resolution, &t.HoldReason, &t.CreatedAt, &t.UpdatedAt, &t.LastTransitionedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AdvanceStage moves a claimed ticket to newStage and reopens it for
// scheduling, releasing the claim in the same statement. It only applies
// when the ticket is still claimed by expectedWorkerID; if the claim has
// moved on (e.g. a stuck-claim sweep already fired, or this is a stale
// completion for an outcome we already processed) it reports ok=false and
// the caller discards the command per I4 (idempotent completion handling).
func (s *Store) AdvanceStage(ctx context.Context, ticketID, expectedWorkerID, newStage string) (ok bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE tickets SET
				current_stage = ?,
				state = ?,
				claim_worker_id = NULL,
				claim_acquired_at = NULL,
				updated_at = CURRENT_TIMESTAMP,
				last_transitioned_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ? AND claim_worker_id = ?;
		`, newStage, StateOpen, ticketID, StateClaimed, expectedWorkerID)
		if execErr != nil {
			return fmt.Errorf("advance stage for ticket %s: %w", ticketID, execErr)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("advance stage rows affected: %w", rowsErr)
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// CloseTicket marks a claimed ticket closed with the given resolution,
// releasing its claim. Reports ok=false under the same stale-claim
// conditions as AdvanceStage.
func (s *Store) CloseTicket(ctx context.Context, ticketID, expectedWorkerID, resolution string) (ok bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE tickets SET
				state = ?,
				resolution = ?,
				claim_worker_id = NULL,
				claim_acquired_at = NULL,
				updated_at = CURRENT_TIMESTAMP,
				last_transitioned_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ? AND claim_worker_id = ?;
		`, StateClosed, resolution, ticketID, StateClaimed, expectedWorkerID)
		if execErr != nil {
			return fmt.Errorf("close ticket %s: %w", ticketID, execErr)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("close ticket rows affected: %w", rowsErr)
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// HoldFromClaim transitions a claimed ticket to on_hold, releasing its
// claim. Used for RequestCoordinatorAttention outcomes and for validation
// failures the consumer routes to on_hold instead of discarding.
func (s *Store) HoldFromClaim(ctx context.Context, ticketID, expectedWorkerID, reason string) (ok bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE tickets SET
				state = ?,
				hold_reason = ?,
				claim_worker_id = NULL,
				claim_acquired_at = NULL,
				updated_at = CURRENT_TIMESTAMP,
				last_transitioned_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ? AND claim_worker_id = ?;
		`, StateOnHold, reason, ticketID, StateClaimed, expectedWorkerID)
		if execErr != nil {
			return fmt.Errorf("hold ticket %s: %w", ticketID, execErr)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("hold ticket rows affected: %w", rowsErr)
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// PlaceOnHold is the operator-facing place_ticket_on_hold API. Unlike
// HoldFromClaim it does not require the ticket to currently be claimed: any
// open or claimed ticket can be placed on hold, and placing an already
// on_hold ticket on hold again is a no-op that still succeeds. Closed
// tickets cannot be held.
func (s *Store) PlaceOnHold(ctx context.Context, ticketID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		t, err := s.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.State == StateClosed {
			return ErrTicketClosed
		}
		if t.State == StateOnHold {
			_, err := s.db.ExecContext(ctx, `UPDATE tickets SET hold_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, reason, ticketID)
			return err
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE tickets SET
				state = ?,
				hold_reason = ?,
				claim_worker_id = NULL,
				claim_acquired_at = NULL,
				updated_at = CURRENT_TIMESTAMP,
				last_transitioned_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state != ?;
		`, StateOnHold, reason, ticketID, StateClosed)
		if err != nil {
			return fmt.Errorf("place ticket %s on hold: %w", ticketID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTicketNotFound
		}
		return nil
	})
}

// ResumeTicket transitions an on_hold ticket back to open at its current
// stage, making it eligible for scheduling again.
func (s *Store) ResumeTicket(ctx context.Context, ticketID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tickets SET
				state = ?,
				hold_reason = NULL,
				updated_at = CURRENT_TIMESTAMP,
				last_transitioned_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ?;
		`, StateOpen, ticketID, StateOnHold)
		if err != nil {
			return fmt.Errorf("resume ticket %s: %w", ticketID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, getErr := s.GetTicket(ctx, ticketID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("resume ticket %s: not on hold", ticketID)
		}
		return nil
	})
}

// AddComment appends a comment row to a ticket.
func (s *Store) AddComment(ctx context.Context, ticketID, body string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ticket_comments (ticket_id, body) VALUES (?, ?);
		`, ticketID, body)
		if err != nil {
			return fmt.Errorf("add comment to ticket %s: %w", ticketID, err)
		}
		return nil
	})
}

// ListComments returns all comments for a ticket, oldest first.
func (s *Store) ListComments(ctx context.Context, ticketID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, body, created_at FROM ticket_comments
		WHERE ticket_id = ? ORDER BY id;
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list comments for %s: %w", ticketID, err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TicketID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListStuckClaims returns tickets that have been claimed longer than
// staleness without having transitioned, for the sweeper (C-sweeper) to
// report. It never modifies the rows it returns.
func (s *Store) ListStuckClaims(ctx context.Context, staleSeconds int) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, current_stage, state, claim_worker_id, claim_acquired_at,
			resolution, hold_reason, created_at, updated_at, last_transitioned_at
		FROM tickets
		WHERE state = ? AND claim_acquired_at IS NOT NULL
		AND claim_acquired_at <= datetime('now', ?);
	`, StateClaimed, fmt.Sprintf("-%d seconds", staleSeconds))
	if err != nil {
		return nil, fmt.Errorf("list stuck claims: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.CurrentStage, &t.State, &t.ClaimWorkerID, &t.ClaimAcquiredAt,
			&t.Resolution, &t.HoldReason, &t.CreatedAt, &t.UpdatedAt, &t.LastTransitionedAt); err != nil {
			return nil, fmt.Errorf("scan stuck ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
