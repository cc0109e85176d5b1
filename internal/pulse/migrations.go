package pulse

import (
	"database/sql"

	"github.com/HerbHall/pulsewatch/pkg/plugin"
)

// Timestamps are stored as unix milliseconds so range scans compare integers.
func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create tenants, endpoints and check results",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS pulse_tenants (
						id TEXT PRIMARY KEY,
						name TEXT NOT NULL DEFAULT '',
						email TEXT NOT NULL DEFAULT '',
						slack_webhook_url TEXT NOT NULL DEFAULT '',
						webhook_url TEXT NOT NULL DEFAULT '',
						alertmanager_url TEXT NOT NULL DEFAULT '',
						created_at INTEGER NOT NULL
					)`,

					`CREATE TABLE IF NOT EXISTS pulse_endpoints (
						id TEXT PRIMARY KEY,
						tenant_id TEXT NOT NULL REFERENCES pulse_tenants(id),
						name TEXT NOT NULL DEFAULT '',
						url TEXT NOT NULL,
						interval_seconds INTEGER NOT NULL CHECK (interval_seconds >= 60),
						timeout_ms INTEGER NOT NULL CHECK (timeout_ms BETWEEN 100 AND 30000),
						headers TEXT NOT NULL DEFAULT '{}',
						active INTEGER NOT NULL DEFAULT 1,
						created_at INTEGER NOT NULL,
						updated_at INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_pulse_endpoints_active ON pulse_endpoints(active)`,

					`CREATE TABLE IF NOT EXISTS pulse_check_results (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						endpoint_id TEXT NOT NULL REFERENCES pulse_endpoints(id) ON DELETE CASCADE,
						checked_at INTEGER NOT NULL,
						status_code INTEGER,
						response_time_ms INTEGER,
						error TEXT
					)`,
					`CREATE INDEX IF NOT EXISTS idx_pulse_results_endpoint_time ON pulse_check_results(endpoint_id, checked_at)`,
				}
				return execAll(tx, stmts)
			},
		},
		{
			Version:     2,
			Description: "create alert rules",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					`CREATE TABLE IF NOT EXISTS pulse_alert_rules (
						id TEXT PRIMARY KEY,
						endpoint_id TEXT NOT NULL REFERENCES pulse_endpoints(id) ON DELETE CASCADE,
						rule_type TEXT NOT NULL,
						threshold TEXT NOT NULL,
						active INTEGER NOT NULL DEFAULT 1,
						channels TEXT NOT NULL DEFAULT '[]',
						last_triggered_at INTEGER,
						created_at INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_pulse_rules_endpoint ON pulse_alert_rules(endpoint_id, active)`,
				})
			},
		},
		{
			Version:     3,
			Description: "create notification delivery log",
			Up: func(tx *sql.Tx) error {
				return execAll(tx, []string{
					`CREATE TABLE IF NOT EXISTS pulse_notifications (
						id TEXT PRIMARY KEY,
						decision_id TEXT NOT NULL,
						rule_id TEXT NOT NULL,
						endpoint_id TEXT NOT NULL,
						channel TEXT NOT NULL,
						delivered INTEGER NOT NULL,
						error TEXT NOT NULL DEFAULT '',
						sent_at INTEGER NOT NULL,
						duration_ms INTEGER NOT NULL DEFAULT 0
					)`,
					`CREATE INDEX IF NOT EXISTS idx_pulse_notifications_sent ON pulse_notifications(sent_at)`,
				})
			},
		},
	}
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
