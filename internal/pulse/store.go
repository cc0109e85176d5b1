package pulse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PulseStore provides database access for endpoints, rules, results,
// tenants and the notification log.
type PulseStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time interface guards.
var (
	_ EndpointCatalog   = (*PulseStore)(nil)
	_ LatestCheckSource = (*PulseStore)(nil)
	_ AggregateProvider = (*PulseStore)(nil)
	_ RuleWriter        = (*PulseStore)(nil)
	_ DeliveryLog       = (*PulseStore)(nil)
)

// NewPulseStore creates a PulseStore backed by the given database.
func NewPulseStore(db *sql.DB) *PulseStore {
	return &PulseStore{db: db, now: time.Now}
}

// SetClock replaces the clock used to anchor aggregate windows.
func (s *PulseStore) SetClock(now func() time.Time) {
	s.now = now
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// -- Tenants --

// UpsertTenant inserts or replaces a tenant's destinations.
func (s *PulseStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_tenants (id, name, email, slack_webhook_url, webhook_url, alertmanager_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			slack_webhook_url = excluded.slack_webhook_url,
			webhook_url = excluded.webhook_url,
			alertmanager_url = excluded.alertmanager_url`,
		t.ID, t.Name, t.Email, t.SlackWebhookURL, t.WebhookURL, t.AlertmanagerURL, toMillis(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// GetTenant returns a tenant by ID. Returns nil, nil if not found.
func (s *PulseStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, slack_webhook_url, webhook_url, alertmanager_url, created_at
		FROM pulse_tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Email, &t.SlackWebhookURL, &t.WebhookURL, &t.AlertmanagerURL, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	t.CreatedAt = fromMillis(created)
	return &t, nil
}

// -- Endpoints --

const endpointColumns = `id, tenant_id, name, url, interval_seconds, timeout_ms, headers, active, created_at, updated_at`

// UpsertEndpoint validates and inserts or updates an endpoint.
func (s *PulseStore) UpsertEndpoint(ctx context.Context, e *Endpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pulse_endpoints (`+endpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			url = excluded.url,
			interval_seconds = excluded.interval_seconds,
			timeout_ms = excluded.timeout_ms,
			headers = excluded.headers,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		e.ID, e.TenantID, e.Name, e.URL, e.IntervalSeconds, e.TimeoutMs,
		string(headers), boolInt(e.Active), toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert endpoint: %w", err)
	}
	return nil
}

// GetEndpoint returns an endpoint by ID. Returns nil, nil if not found.
func (s *PulseStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM pulse_endpoints WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	endpoints, err := scanEndpoints(rows)
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, nil
	}
	return &endpoints[0], nil
}

// ListEndpoints returns every endpoint ordered by ID.
func (s *PulseStore) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM pulse_endpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	endpoints, err := scanEndpoints(rows)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return endpoints, nil
}

// ListActiveEndpoints implements EndpointCatalog.
func (s *PulseStore) ListActiveEndpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM pulse_endpoints WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	endpoints, err := scanEndpoints(rows)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	return endpoints, nil
}

func scanEndpoints(rows *sql.Rows) ([]Endpoint, error) {
	defer rows.Close()
	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		var headers string
		var active int
		var created, updated int64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Name, &e.URL, &e.IntervalSeconds, &e.TimeoutMs,
			&headers, &active, &created, &updated); err != nil {
			return nil, err
		}
		if headers != "" && headers != "null" {
			if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
				return nil, fmt.Errorf("decode headers for %s: %w", e.ID, err)
			}
		}
		e.Active = active != 0
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// -- Alert rules --

const ruleColumns = `id, endpoint_id, rule_type, threshold, active, channels, last_triggered_at, created_at`

// UpsertRule inserts or updates an alert rule. LastTriggeredAt is owned by
// MarkTriggered and is left unchanged on update.
func (s *PulseStore) UpsertRule(ctx context.Context, r *AlertRule) error {
	if len(r.Threshold) == 0 || !json.Valid(r.Threshold) {
		return fmt.Errorf("upsert rule %s: %w: threshold is not valid JSON", r.ID, ErrInvalidThreshold)
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pulse_alert_rules (id, endpoint_id, rule_type, threshold, active, channels, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endpoint_id = excluded.endpoint_id,
			rule_type = excluded.rule_type,
			threshold = excluded.threshold,
			active = excluded.active,
			channels = excluded.channels`,
		r.ID, r.EndpointID, string(r.Type), string(r.Threshold), boolInt(r.Active),
		string(channels), toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// GetRule returns a rule by ID. Returns nil, nil if not found.
func (s *PulseStore) GetRule(ctx context.Context, id string) (*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM pulse_alert_rules WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &rules[0], nil
}

// ListActiveRules returns the active rules of one endpoint.
func (s *PulseStore) ListActiveRules(ctx context.Context, endpointID string) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM pulse_alert_rules
		WHERE endpoint_id = ? AND active = 1 ORDER BY id`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return rules, nil
}

// ListActiveRulesByType returns active rules of one type across all endpoints.
func (s *PulseStore) ListActiveRulesByType(ctx context.Context, t RuleType) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM pulse_alert_rules
		WHERE rule_type = ? AND active = 1 ORDER BY endpoint_id, id`, string(t))
	if err != nil {
		return nil, fmt.Errorf("list active %s rules: %w", t, err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("list active %s rules: %w", t, err)
	}
	return rules, nil
}

// MarkTriggered implements RuleWriter. Only last_triggered_at is written.
func (s *PulseStore) MarkTriggered(ctx context.Context, ruleID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pulse_alert_rules SET last_triggered_at = ? WHERE id = ?`,
		toMillis(at), ruleID,
	)
	if err != nil {
		return fmt.Errorf("mark rule triggered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark rule triggered: rule %s not found", ruleID)
	}
	return nil
}

func scanRules(rows *sql.Rows) ([]AlertRule, error) {
	defer rows.Close()
	var out []AlertRule
	for rows.Next() {
		var r AlertRule
		var ruleType, threshold, channels string
		var active int
		var last sql.NullInt64
		var created int64
		if err := rows.Scan(&r.ID, &r.EndpointID, &ruleType, &threshold, &active, &channels, &last, &created); err != nil {
			return nil, err
		}
		r.Type = RuleType(ruleType)
		r.Threshold = json.RawMessage(threshold)
		r.Active = active != 0
		if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
			return nil, fmt.Errorf("decode channels for %s: %w", r.ID, err)
		}
		if last.Valid {
			t := fromMillis(last.Int64)
			r.LastTriggeredAt = &t
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// -- Check results --

// InsertResult appends a check result and sets its ID.
func (s *PulseStore) InsertResult(ctx context.Context, r *CheckResult) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_check_results (endpoint_id, checked_at, status_code, response_time_ms, error)
		VALUES (?, ?, ?, ?, ?)`,
		r.EndpointID, toMillis(r.CheckedAt), r.StatusCode, r.ResponseTimeMs, r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert result id: %w", err)
	}
	r.ID = id
	return nil
}

// ListResults returns up to limit results for an endpoint, newest first.
func (s *PulseStore) ListResults(ctx context.Context, endpointID string, limit int) ([]CheckResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_id, checked_at, status_code, response_time_ms, error
		FROM pulse_check_results
		WHERE endpoint_id = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []CheckResult
	for rows.Next() {
		var r CheckResult
		var checked int64
		var status, rt sql.NullInt64
		var errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.EndpointID, &checked, &status, &rt, &errStr); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.CheckedAt = fromMillis(checked)
		if status.Valid {
			r.StatusCode = intPtr(int(status.Int64))
		}
		if rt.Valid {
			r.ResponseTimeMs = int64Ptr(rt.Int64)
		}
		if errStr.Valid {
			r.Error = stringPtr(errStr.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestResult returns the most recent result for an endpoint, or nil.
func (s *PulseStore) LatestResult(ctx context.Context, endpointID string) (*CheckResult, error) {
	results, err := s.ListResults(ctx, endpointID, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// LatestCheckTimes implements LatestCheckSource.
func (s *PulseStore) LatestCheckTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, MAX(checked_at) FROM pulse_check_results GROUP BY endpoint_id`)
	if err != nil {
		return nil, fmt.Errorf("latest check times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, fmt.Errorf("scan latest check time: %w", err)
		}
		out[id] = fromMillis(ms)
	}
	return out, rows.Err()
}

// Aggregate implements AggregateProvider over the window ending now.
// Uptime counts results with a 2xx status and no error.
func (s *PulseStore) Aggregate(ctx context.Context, endpointID string, periodHours int) (Aggregate, error) {
	agg := Aggregate{EndpointID: endpointID, PeriodHours: periodHours}
	since := s.now().Add(-time.Duration(periodHours) * time.Hour)

	var total int
	var ok sql.NullInt64
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN error IS NULL AND status_code >= 200 AND status_code < 300 THEN 1 ELSE 0 END),
			AVG(response_time_ms)
		FROM pulse_check_results
		WHERE endpoint_id = ? AND checked_at >= ?`,
		endpointID, toMillis(since),
	).Scan(&total, &ok, &avg)
	if err != nil {
		return agg, fmt.Errorf("aggregate results: %w", err)
	}

	agg.Samples = total
	if total > 0 {
		agg.UptimePercent = float64(ok.Int64) / float64(total) * 100
	}
	if avg.Valid {
		v := avg.Float64
		agg.AvgResponseTimeMs = &v
	}
	return agg, nil
}

// -- Notification log --

// InsertNotification implements DeliveryLog.
func (s *PulseStore) InsertNotification(ctx context.Context, rec *DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_notifications (id, decision_id, rule_id, endpoint_id, channel, delivered, error, sent_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DecisionID, rec.RuleID, rec.EndpointID, rec.Channel,
		boolInt(rec.Delivered), rec.Error, toMillis(rec.SentAt), rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns up to limit delivery records, newest first.
func (s *PulseStore) ListNotifications(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, rule_id, endpoint_id, channel, delivered, error, sent_at, duration_ms
		FROM pulse_notifications
		ORDER BY sent_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var rec DeliveryRecord
		var delivered int
		var sent int64
		if err := rows.Scan(&rec.ID, &rec.DecisionID, &rec.RuleID, &rec.EndpointID, &rec.Channel,
			&delivered, &rec.Error, &sent, &rec.DurationMs); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.Delivered = delivered != 0
		rec.SentAt = fromMillis(sent)
		out = append(out, rec)
	}
	return out, rows.Err()
}
