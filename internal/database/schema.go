package database

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/chipside6/flow-dialer-sub000/internal/auth"
)

// migrations are applied in order on startup; every statement is idempotent
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL DEFAULT 'operator',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS goip_devices (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		name VARCHAR(128) NOT NULL,
		address VARCHAR(255) NOT NULL DEFAULT '',
		port_count INT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_owner_name (owner_id, name),
		INDEX idx_owner (owner_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS goip_ports (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		device_id BIGINT NOT NULL,
		owner_id BIGINT NOT NULL,
		port_number INT NOT NULL,
		credential VARCHAR(128) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'available',
		campaign_id VARCHAR(64) NULL,
		call_id VARCHAR(64) NULL,
		status_changed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_device_port (device_id, port_number),
		INDEX idx_owner_status (owner_id, status),
		CONSTRAINT fk_port_device FOREIGN KEY (device_id)
			REFERENCES goip_devices(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS call_log (
		id VARCHAR(64) PRIMARY KEY,
		port_id BIGINT NOT NULL,
		owner_id BIGINT NOT NULL,
		campaign_id VARCHAR(64) NOT NULL DEFAULT '',
		number VARCHAR(32) NOT NULL,
		is_test TINYINT(1) NOT NULL DEFAULT 0,
		started_at TIMESTAMP(3) NOT NULL,
		ended_at TIMESTAMP(3) NULL,
		terminal_status VARCHAR(16) NULL,
		INDEX idx_port_open (port_id, ended_at),
		INDEX idx_campaign (campaign_id),
		INDEX idx_owner_started (owner_id, started_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS campaign_contacts (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		campaign_id VARCHAR(64) NOT NULL,
		number VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_campaign_status (campaign_id, status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS dial_jobs (
		id VARCHAR(64) PRIMARY KEY,
		campaign_id VARCHAR(64) NOT NULL,
		owner_id BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL,
		started_at TIMESTAMP(3) NOT NULL,
		finished_at TIMESTAMP(3) NULL,
		dialed INT NOT NULL DEFAULT 0,
		completed INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		skipped INT NOT NULL DEFAULT 0,
		INDEX idx_campaign (campaign_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// RunMigrations creates the schema and seeds the default admin account
func RunMigrations(db *sql.DB) error {
	log.Println("[DB] Running migrations...")

	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	if err := seedAdmin(db); err != nil {
		return err
	}

	log.Println("[DB] Migrations complete")
	return nil
}

// seedAdmin creates the initial admin user when the users table is empty.
// The password must be changed after first login.
func seedAdmin(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("error counting users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := auth.HashPassword("admin")
	if err != nil {
		return fmt.Errorf("error hashing default password: %w", err)
	}

	if _, err := db.Exec(
		`INSERT INTO users (username, password_hash, role) VALUES (?, ?, 'admin')`,
		"admin", hash,
	); err != nil {
		return fmt.Errorf("error seeding admin user: %w", err)
	}

	log.Println("[DB] Seeded default admin user (change the password!)")
	return nil
}
