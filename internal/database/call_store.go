package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

func (s *Store) InsertCall(ctx context.Context, c *calls.Call) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_log (id, port_id, owner_id, campaign_id, number, is_test, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PortID, c.OwnerID, c.CampaignID, c.Number, c.Test, c.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting call: %w", err)
	}
	return nil
}

// CloseCall is a conditional update on the open row; RowsAffected == 0 for an
// existing call means someone else closed it first
func (s *Store) CloseCall(ctx context.Context, id string, terminal calls.TerminalStatus, end time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE call_log SET ended_at = ?, terminal_status = ?
		 WHERE id = ? AND ended_at IS NULL`,
		end, terminal, id,
	)
	if err != nil {
		return false, fmt.Errorf("error closing call: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM call_log WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("call %s: %w", id, calls.ErrCallNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("error checking call: %w", err)
	}
	return false, nil
}

func (s *Store) CallByID(ctx context.Context, id string) (*calls.Call, error) {
	c, err := s.scanCall(s.db.QueryRowContext(ctx,
		`SELECT id, port_id, owner_id, campaign_id, number, is_test, started_at, ended_at, terminal_status
		 FROM call_log WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", id, calls.ErrCallNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying call: %w", err)
	}
	return c, nil
}

func (s *Store) CountActiveByPort(ctx context.Context, portID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_log WHERE port_id = ? AND ended_at IS NULL`,
		portID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("error counting active calls: %w", err)
	}
	return n, nil
}

func (s *Store) CountActiveByCampaign(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_log WHERE campaign_id = ? AND ended_at IS NULL`,
		campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("error counting active calls: %w", err)
	}
	return n, nil
}

func (s *Store) RecentCalls(ctx context.Context, ownerID int64, limit int) ([]calls.Call, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, port_id, owner_id, campaign_id, number, is_test, started_at, ended_at, terminal_status
		 FROM call_log WHERE owner_id = ? ORDER BY started_at DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("error listing calls: %w", err)
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		c, err := s.scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning call: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanCall(row rowScanner) (*calls.Call, error) {
	var c calls.Call
	var endedAt sql.NullTime
	var terminal sql.NullString

	err := row.Scan(&c.ID, &c.PortID, &c.OwnerID, &c.CampaignID, &c.Number, &c.Test,
		&c.StartedAt, &endedAt, &terminal)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	if terminal.Valid {
		ts := calls.TerminalStatus(terminal.String)
		c.Terminal = &ts
	}
	return &c, nil
}
