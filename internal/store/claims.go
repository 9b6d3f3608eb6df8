package store

import (
	"context"
	"fmt"
)

// AcquireClaim atomically transitions a ticket from open to claimed by
// workerID, via a single conditional UPDATE. Two consumers racing for the
// same ticket will see exactly one succeed; the loser gets ClaimAlreadyHeld
// and must back off (I1: at most one worker ever holds a ticket's claim).
func (s *Store) AcquireClaim(ctx context.Context, ticketID, workerID string) (ClaimOutcome, error) {
	var outcome ClaimOutcome
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tickets SET
				state = ?,
				claim_worker_id = ?,
				claim_acquired_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ?;
		`, StateClaimed, workerID, ticketID, StateOpen)
		if err != nil {
			return fmt.Errorf("acquire claim for ticket %s: %w", ticketID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acquire claim rows affected: %w", err)
		}
		if n == 1 {
			outcome = ClaimAcquired
			return nil
		}

		t, getErr := s.GetTicket(ctx, ticketID)
		if getErr != nil {
			outcome = ClaimTicketNotFound
			return nil
		}
		if t.State == StateClaimed {
			outcome = ClaimAlreadyHeld
		} else {
			outcome = ClaimTicketNotOpen
		}
		return nil
	})
	return outcome, err
}

// ReleaseClaim releases a claim without changing the ticket's stage,
// returning it to open. This is used when a worker spawn fails before any
// outcome is produced (e.g. the subprocess could not start) and the ticket
// must go back into circulation unchanged.
func (s *Store) ReleaseClaim(ctx context.Context, ticketID, workerID string) (ReleaseOutcome, error) {
	var outcome ReleaseOutcome
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tickets SET
				state = ?,
				claim_worker_id = NULL,
				claim_acquired_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = ? AND claim_worker_id = ?;
		`, StateOpen, ticketID, StateClaimed, workerID)
		if err != nil {
			return fmt.Errorf("release claim for ticket %s: %w", ticketID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("release claim rows affected: %w", err)
		}
		if n == 1 {
			outcome = ReleaseOK
			return nil
		}

		if _, getErr := s.GetTicket(ctx, ticketID); getErr != nil {
			outcome = ReleaseTicketNotFound
			return nil
		}
		outcome = ReleaseNotHeldByCaller
		return nil
	})
	return outcome, err
}
