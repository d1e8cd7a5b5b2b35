package db

import (
	"fmt"

	"gorm.io/gorm"
)

var sqliteStatements = []string{
	`CREATE TABLE IF NOT EXISTS violations (
		id                 TEXT PRIMARY KEY,
		type               TEXT NOT NULL,
		confidence         REAL NOT NULL,
		plate_text         TEXT,
		plate_confidence   REAL,
		gps_lat            REAL,
		gps_lon            REAL,
		gps_heading        REAL,
		gps_speed_kmh      REAL,
		gps_address        TEXT,
		timestamp          TIMESTAMP NOT NULL,
		status             TEXT NOT NULL DEFAULT 'pending',
		consecutive_frames INTEGER NOT NULL DEFAULT 0,
		created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_status ON violations(status);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_created_at ON violations(created_at);`,

	`CREATE TABLE IF NOT EXISTS evidence_files (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		violation_id TEXT NOT NULL REFERENCES violations(id) ON DELETE CASCADE,
		file_path    TEXT NOT NULL,
		file_type    TEXT NOT NULL,
		file_size    INTEGER NOT NULL DEFAULT 0,
		file_hash    TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_files_violation_id ON evidence_files(violation_id);`,

	queueTableSQLite("cloud_queue"),
	`CREATE INDEX IF NOT EXISTS idx_cloud_queue_status ON cloud_queue(status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_cloud_queue_violation_id ON cloud_queue(violation_id);`,

	queueTableSQLite("email_queue"),
	`CREATE INDEX IF NOT EXISTS idx_email_queue_status ON email_queue(status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_email_queue_violation_id ON email_queue(violation_id);`,
}

var postgresStatements = []string{
	`CREATE TABLE IF NOT EXISTS violations (
		id                 TEXT PRIMARY KEY,
		type               TEXT NOT NULL,
		confidence         DOUBLE PRECISION NOT NULL,
		plate_text         TEXT,
		plate_confidence   DOUBLE PRECISION,
		gps_lat            DOUBLE PRECISION,
		gps_lon            DOUBLE PRECISION,
		gps_heading        DOUBLE PRECISION,
		gps_speed_kmh      DOUBLE PRECISION,
		gps_address        TEXT,
		timestamp          TIMESTAMPTZ NOT NULL,
		status             TEXT NOT NULL DEFAULT 'pending',
		consecutive_frames INT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_status ON violations(status);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_created_at ON violations(created_at);`,

	`CREATE TABLE IF NOT EXISTS evidence_files (
		id           BIGSERIAL PRIMARY KEY,
		violation_id TEXT NOT NULL REFERENCES violations(id) ON DELETE CASCADE,
		file_path    TEXT NOT NULL,
		file_type    TEXT NOT NULL,
		file_size    BIGINT NOT NULL DEFAULT 0,
		file_hash    TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_files_violation_id ON evidence_files(violation_id);`,

	queueTablePostgres("cloud_queue"),
	`CREATE INDEX IF NOT EXISTS idx_cloud_queue_status ON cloud_queue(status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_cloud_queue_violation_id ON cloud_queue(violation_id);`,

	queueTablePostgres("email_queue"),
	`CREATE INDEX IF NOT EXISTS idx_email_queue_status ON email_queue(status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_email_queue_violation_id ON email_queue(violation_id);`,
}

func queueTableSQLite(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		violation_id    TEXT NOT NULL REFERENCES violations(id) ON DELETE CASCADE,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMP,
		response_json   TEXT,
		error_message   TEXT,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`, name)
}

func queueTablePostgres(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id              BIGSERIAL PRIMARY KEY,
		violation_id    TEXT NOT NULL REFERENCES violations(id) ON DELETE CASCADE,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INT NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		response_json   JSONB,
		error_message   TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`, name)
}

func Migrate(database *gorm.DB) error {
	statements := sqliteStatements
	if IsPostgres(database) {
		statements = postgresStatements
	}
	for i, stmt := range statements {
		if err := database.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
