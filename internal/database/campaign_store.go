package database

import (
	"context"
	"fmt"

	"github.com/chipside6/flow-dialer-sub000/internal/dispatch"
	"github.com/chipside6/flow-dialer-sub000/internal/ports"
)

// AddContacts queues numbers for a campaign
func (s *Store) AddContacts(ctx context.Context, campaignID string, numbers []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO campaign_contacts (campaign_id, number, status) VALUES (?, ?, 'pending')`)
	if err != nil {
		return 0, fmt.Errorf("error preparing insert: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, number := range numbers {
		if number == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, campaignID, number); err != nil {
			return 0, fmt.Errorf("error inserting contact %s: %w", number, err)
		}
		added++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing contacts: %w", err)
	}
	return added, nil
}

func (s *Store) PendingContacts(ctx context.Context, campaignID string, limit int) ([]dispatch.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, number, status, attempts FROM campaign_contacts
		 WHERE campaign_id = ? AND status = 'pending' ORDER BY id LIMIT ?`,
		campaignID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("error fetching pending contacts: %w", err)
	}
	defer rows.Close()

	var contacts []dispatch.Contact
	for rows.Next() {
		var c dispatch.Contact
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.Number, &c.Status, &c.Attempts); err != nil {
			return nil, fmt.Errorf("error scanning contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *Store) MarkContactDialing(ctx context.Context, id int64) error {
	return s.setContactStatus(ctx, id, dispatch.ContactDialing)
}

func (s *Store) MarkContactDone(ctx context.Context, id int64, status string) error {
	return s.setContactStatus(ctx, id, status)
}

func (s *Store) RequeueContact(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaign_contacts SET status = 'pending', attempts = attempts + 1 WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("error requeueing contact %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %d: %w", id, ports.ErrNotFound)
	}
	return nil
}

func (s *Store) CountContactsByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM campaign_contacts WHERE campaign_id = ? GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("error counting contacts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("error scanning counts: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) setContactStatus(ctx context.Context, id int64, status string) error {
	// no RowsAffected check: MySQL reports 0 for no-op updates to the same value
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_contacts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("error updating contact %d: %w", id, err)
	}
	return nil
}

// UpsertJob records a job state transition
func (s *Store) UpsertJob(ctx context.Context, j *dispatch.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dial_jobs (id, campaign_id, owner_id, status, started_at, finished_at,
		                        dialed, completed, failed, skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE status = VALUES(status), finished_at = VALUES(finished_at),
		   dialed = VALUES(dialed), completed = VALUES(completed),
		   failed = VALUES(failed), skipped = VALUES(skipped)`,
		j.ID, j.CampaignID, j.OwnerID, j.Status, j.StartedAt, j.FinishedAt,
		j.Dialed, j.Completed, j.Failed, j.Skipped,
	)
	if err != nil {
		return fmt.Errorf("error persisting job %s: %w", j.ID, err)
	}
	return nil
}
