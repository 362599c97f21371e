package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/ports"
)

// claimCandidateRows bounds how many available ports one claim attempt races
// over before re-reading the pool
const claimCandidateRows = 5

const portColumns = `id, device_id, owner_id, port_number, credential, status,
	COALESCE(campaign_id, ''), COALESCE(call_id, ''), status_changed_at`

func (s *Store) CreateDevice(ctx context.Context, d *ports.Device, devicePorts []ports.Port) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO goip_devices (owner_id, name, address, port_count) VALUES (?, ?, ?, ?)`,
		d.OwnerID, d.Name, d.Address, d.PortCount,
	)
	if err != nil {
		return fmt.Errorf("error inserting device: %w", err)
	}
	d.ID, _ = res.LastInsertId()

	for i := range devicePorts {
		p := &devicePorts[i]
		p.DeviceID = d.ID
		pres, err := tx.ExecContext(ctx,
			`INSERT INTO goip_ports (device_id, owner_id, port_number, credential, status, status_changed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p.DeviceID, p.OwnerID, p.Number, p.Credential, p.Status, p.StatusChangedAt,
		)
		if err != nil {
			return fmt.Errorf("error inserting port %d: %w", p.Number, err)
		}
		p.ID, _ = pres.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing device: %w", err)
	}
	return nil
}

func (s *Store) DeviceByID(ctx context.Context, id int64) (*ports.Device, error) {
	var d ports.Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, address, port_count, created_at FROM goip_devices WHERE id = ?`,
		id,
	).Scan(&d.ID, &d.OwnerID, &d.Name, &d.Address, &d.PortCount, &d.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %d: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying device: %w", err)
	}
	return &d, nil
}

func (s *Store) DevicesByOwner(ctx context.Context, ownerID int64) ([]ports.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, address, port_count, created_at
		 FROM goip_devices WHERE owner_id = ? ORDER BY id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("error listing devices: %w", err)
	}
	defer rows.Close()

	var devices []ports.Device
	for rows.Next() {
		var d ports.Device
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Address, &d.PortCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *Store) PortsByDevice(ctx context.Context, deviceID int64) ([]ports.Port, error) {
	return s.queryPorts(ctx,
		`SELECT `+portColumns+` FROM goip_ports WHERE device_id = ? ORDER BY port_number`,
		deviceID,
	)
}

func (s *Store) PortsByOwner(ctx context.Context, ownerID int64) ([]ports.Port, error) {
	return s.queryPorts(ctx,
		`SELECT `+portColumns+` FROM goip_ports WHERE owner_id = ? ORDER BY device_id, port_number`,
		ownerID,
	)
}

func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	// ports go with it via ON DELETE CASCADE
	res, err := s.db.ExecContext(ctx, `DELETE FROM goip_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", id, ports.ErrNotFound)
	}
	return nil
}

func (s *Store) CountAvailable(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM goip_ports WHERE owner_id = ? AND status = 'available'`,
		ownerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("error counting available ports: %w", err)
	}
	return n, nil
}

// ClaimNextPort races a conditional UPDATE over the first few available ports.
// The WHERE status='available' clause is the mutual exclusion: of any number
// of concurrent claims on the same row, exactly one sees RowsAffected == 1.
func (s *Store) ClaimNextPort(ctx context.Context, ownerID int64, campaignID, callID string, now time.Time) (*ports.Port, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM goip_ports WHERE owner_id = ? AND status = 'available'
			 ORDER BY device_id, port_number LIMIT ?`,
			ownerID, claimCandidateRows,
		)
		if err != nil {
			return nil, fmt.Errorf("error selecting claim candidates: %w", err)
		}

		var candidates []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("error scanning candidate: %w", err)
			}
			candidates = append(candidates, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading candidates: %w", err)
		}

		if len(candidates) == 0 {
			return nil, nil
		}

		for _, id := range candidates {
			won, err := s.claimByID(ctx, id, campaignID, callID, now)
			if err != nil {
				return nil, err
			}
			if won {
				return s.portByID(ctx, s.db, id)
			}
			// lost the race on this row, try the next candidate
		}
	}
	// every candidate was snatched three rounds in a row; treat as exhausted
	return nil, nil
}

func (s *Store) ClaimPortByNumber(ctx context.Context, ownerID int64, portNumber int, campaignID, callID string, now time.Time) (*ports.Port, error) {
	var id int64
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status FROM goip_ports WHERE owner_id = ? AND port_number = ?
		 ORDER BY device_id LIMIT 1`,
		ownerID, portNumber,
	).Scan(&id, &status)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("port %d: %w", portNumber, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying port: %w", err)
	}

	won, err := s.claimByID(ctx, id, campaignID, callID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("port %d is %s: %w", portNumber, status, ports.ErrPortUnavailable)
	}
	return s.portByID(ctx, s.db, id)
}

func (s *Store) claimByID(ctx context.Context, id int64, campaignID, callID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE goip_ports
		 SET status = 'busy', campaign_id = NULLIF(?, ''), call_id = ?, status_changed_at = ?
		 WHERE id = ? AND status = 'available'`,
		campaignID, callID, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("error claiming port: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FreePort reads the occupant and flips the status under one row lock: the
// reported call id is always the call that was actually freed, even when a
// release races a release-and-reacquire on the same port.
func (s *Store) FreePort(ctx context.Context, ownerID int64, portNumber int, now time.Time) (*ports.FreedPort, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var status, callID string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status, COALESCE(call_id, '') FROM goip_ports
		 WHERE owner_id = ? AND port_number = ? ORDER BY device_id LIMIT 1 FOR UPDATE`,
		ownerID, portNumber,
	).Scan(&id, &status, &callID)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("port %d: %w", portNumber, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying port: %w", err)
	}

	freed := &ports.FreedPort{}
	if status == string(ports.StatusBusy) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE goip_ports
			 SET status = 'available', campaign_id = NULL, call_id = NULL, status_changed_at = ?
			 WHERE id = ?`,
			now, id,
		); err != nil {
			return nil, fmt.Errorf("error freeing port: %w", err)
		}
		freed.CallID = callID
	}

	p, err := s.portByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing release: %w", err)
	}
	freed.Port = *p
	return freed, nil
}

func (s *Store) FreeAllPorts(ctx context.Context, ownerID int64, now time.Time) ([]ports.FreedPort, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	// lock the busy rows so no claim can slip in between the read and the flip
	rows, err := tx.QueryContext(ctx,
		`SELECT id, COALESCE(call_id, '') FROM goip_ports
		 WHERE owner_id = ? AND status = 'busy' ORDER BY device_id, port_number FOR UPDATE`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("error listing busy ports: %w", err)
	}

	type busy struct {
		id     int64
		callID string
	}
	var busyPorts []busy
	for rows.Next() {
		var b busy
		if err := rows.Scan(&b.id, &b.callID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning busy port: %w", err)
		}
		busyPorts = append(busyPorts, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading busy ports: %w", err)
	}

	var freed []ports.FreedPort
	for _, b := range busyPorts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE goip_ports
			 SET status = 'available', campaign_id = NULL, call_id = NULL, status_changed_at = ?
			 WHERE id = ?`,
			now, b.id,
		); err != nil {
			return nil, fmt.Errorf("error freeing port %d: %w", b.id, err)
		}
		p, err := s.portByID(ctx, tx, b.id)
		if err != nil {
			return nil, err
		}
		freed = append(freed, ports.FreedPort{Port: *p, CallID: b.callID})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing reset: %w", err)
	}
	return freed, nil
}

func (s *Store) SetPortOffline(ctx context.Context, ownerID int64, portNumber int, now time.Time) (*ports.FreedPort, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var status, callID string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status, COALESCE(call_id, '') FROM goip_ports
		 WHERE owner_id = ? AND port_number = ? ORDER BY device_id LIMIT 1 FOR UPDATE`,
		ownerID, portNumber,
	).Scan(&id, &status, &callID)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("port %d: %w", portNumber, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying port: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE goip_ports
		 SET status = 'offline', campaign_id = NULL, call_id = NULL, status_changed_at = ?
		 WHERE id = ?`,
		now, id,
	); err != nil {
		return nil, fmt.Errorf("error setting port offline: %w", err)
	}

	freed := &ports.FreedPort{}
	if status == string(ports.StatusBusy) {
		freed.CallID = callID
	}
	p, err := s.portByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing offline transition: %w", err)
	}
	freed.Port = *p
	return freed, nil
}

// rowQuerier lets the single-row helpers run either on the pool or inside a
// transaction
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) portByID(ctx context.Context, q rowQuerier, id int64) (*ports.Port, error) {
	var p ports.Port
	err := q.QueryRowContext(ctx,
		`SELECT `+portColumns+` FROM goip_ports WHERE id = ?`, id,
	).Scan(&p.ID, &p.DeviceID, &p.OwnerID, &p.Number, &p.Credential, &p.Status,
		&p.CampaignID, &p.CallID, &p.StatusChangedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("port id %d: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying port: %w", err)
	}
	return &p, nil
}

func (s *Store) queryPorts(ctx context.Context, query string, args ...interface{}) ([]ports.Port, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing ports: %w", err)
	}
	defer rows.Close()

	var out []ports.Port
	for rows.Next() {
		var p ports.Port
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.OwnerID, &p.Number, &p.Credential,
			&p.Status, &p.CampaignID, &p.CallID, &p.StatusChangedAt); err != nil {
			return nil, fmt.Errorf("error scanning port: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
