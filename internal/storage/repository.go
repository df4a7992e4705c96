package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSnapshotSQL = `INSERT INTO market_snapshots (
        asset,
        metric,
        ts,
        value
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (asset, metric, ts) DO UPDATE
    SET value = EXCLUDED.value;`

	listSnapshotsBetweenSQL = `SELECT
        asset,
        metric,
        ts,
        value
    FROM market_snapshots
    WHERE metric = $1
      AND ($2 = '' OR asset = $2)
      AND ts >= $3
      AND ts < $4
    ORDER BY asset, ts;`

	deleteSnapshotsBeforeSQL = `DELETE FROM market_snapshots WHERE ts < $1;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM market_snapshots;`

	insertLiquidationSQL = `INSERT INTO liquidations (
        asset,
        side,
        notional,
        ts
    ) VALUES (
        $1,$2,$3,$4
    );`

	saveRuleSQL = `INSERT INTO alert_rules (
        id,
        user_id,
        kind,
        asset,
        threshold,
        direction,
        last_fired_at,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO UPDATE
    SET kind          = EXCLUDED.kind,
        asset         = EXCLUDED.asset,
        threshold     = EXCLUDED.threshold,
        direction     = EXCLUDED.direction,
        last_fired_at = EXCLUDED.last_fired_at;`

	deleteRuleSQL = `DELETE FROM alert_rules WHERE id = $1;`

	listRulesSQL = `SELECT
        id,
        user_id,
        kind,
        asset,
        threshold,
        direction,
        last_fired_at,
        created_at
    FROM alert_rules
    ORDER BY created_at, id;`

	markRuleFiredSQL = `UPDATE alert_rules SET last_fired_at = $2 WHERE id = $1;`

	saveCooldownSQL = `INSERT INTO alert_cooldowns (
        user_id,
        kind,
        asset,
        rule_id,
        fired_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (user_id, kind, asset) DO UPDATE
    SET rule_id  = EXCLUDED.rule_id,
        fired_at = EXCLUDED.fired_at;`

	listCooldownsSQL = `SELECT
        user_id,
        kind,
        asset,
        rule_id,
        fired_at
    FROM alert_cooldowns
    WHERE fired_at >= $1
    ORDER BY user_id, kind, asset;`

	insertDeliverySQL = `INSERT INTO alert_deliveries (
        user_id,
        rule_id,
        kind,
        asset,
        severity,
        value,
        payload,
        labels,
        detected_at,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING id, created_at;`

	listRecentDeliveriesSQL = `SELECT
        id,
        user_id,
        rule_id,
        kind,
        asset,
        severity,
        value,
        payload,
        labels,
        detected_at,
        status,
        error,
        created_at
    FROM alert_deliveries
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`
)

// DB is the subset of pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// SnapshotStore persists market history.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, snaps []market.Snapshot) error
	InsertLiquidations(ctx context.Context, records []market.LiquidationRecord) error
	ListSnapshotsBetween(ctx context.Context, metric market.Metric, asset string, from, to time.Time) ([]market.Snapshot, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// DeliveryStore records delivered alerts.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, rec DeliveryRecord) (DeliveryRecord, error)
	ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
}

// Store aggregates access to history, rules and deliveries.
type Store struct {
	db DB
}

var (
	_ SnapshotStore          = (*Store)(nil)
	_ DeliveryStore          = (*Store)(nil)
	_ alerting.RuleStore     = (*Store)(nil)
	_ alerting.CooldownStore = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

func (s *Store) getDB() (DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// InsertSnapshots upserts snapshots keyed by (asset, metric, ts).
func (s *Store) InsertSnapshots(ctx context.Context, snaps []market.Snapshot) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if _, err := db.Exec(ctx, insertSnapshotSQL, snap.Asset, string(snap.Metric), snap.Timestamp, snap.Value.String()); err != nil {
			return fmt.Errorf("insert snapshot %s/%s: %w", snap.Asset, snap.Metric, err)
		}
	}
	return nil
}

// InsertLiquidations appends liquidation records.
func (s *Store) InsertLiquidations(ctx context.Context, records []market.LiquidationRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := db.Exec(ctx, insertLiquidationSQL, rec.Asset, string(rec.Side), rec.Notional.String(), rec.Timestamp); err != nil {
			return fmt.Errorf("insert liquidation %s: %w", rec.Asset, err)
		}
	}
	return nil
}

// ListSnapshotsBetween lists snapshots of metric within [from, to). An empty asset
// lists every asset.
func (s *Store) ListSnapshotsBetween(ctx context.Context, metric market.Metric, asset string, from, to time.Time) ([]market.Snapshot, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listSnapshotsBetweenSQL, string(metric), market.NormalizeAsset(asset), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]market.Snapshot, 0)
	for rows.Next() {
		var (
			snap     market.Snapshot
			metricS  string
			valueStr string
		)
		if err := rows.Scan(&snap.Asset, &metricS, &snap.Timestamp, &valueStr); err != nil {
			return nil, err
		}
		snap.Metric = market.Metric(metricS)
		snap.Value, err = decimal.NewFromString(valueStr)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot value: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// DeleteSnapshotsBefore prunes history and reports how many rows were removed.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	tag, execErr := db.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// CountSnapshots counts stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := db.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// SaveRule upserts an alert rule.
func (s *Store) SaveRule(ctx context.Context, rule alerting.Rule) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	var lastFired interface{}
	if rule.LastFiredAt != nil {
		lastFired = *rule.LastFiredAt
	}

	_, execErr := db.Exec(ctx, saveRuleSQL,
		rule.ID,
		rule.UserID,
		string(rule.Kind),
		rule.Asset,
		rule.Threshold.String(),
		string(rule.Direction),
		lastFired,
		rule.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("save rule: %w", execErr)
	}
	return nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	tag, execErr := db.Exec(ctx, deleteRuleSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete rule: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return market.NotFoundf("rule %s", id)
	}
	return nil
}

// ListRules lists every stored rule, oldest first.
func (s *Store) ListRules(ctx context.Context) ([]alerting.Rule, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]alerting.Rule, 0)
	for rows.Next() {
		var (
			rule         alerting.Rule
			kind         string
			thresholdStr string
			direction    string
			lastFired    sql.NullTime
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.UserID,
			&kind,
			&rule.Asset,
			&thresholdStr,
			&direction,
			&lastFired,
			&rule.CreatedAt,
		); err != nil {
			return nil, err
		}
		rule.Kind = detector.Kind(kind)
		rule.Direction = alerting.Direction(direction)
		rule.Threshold, err = decimal.NewFromString(thresholdStr)
		if err != nil {
			return nil, fmt.Errorf("parse rule threshold: %w", err)
		}
		if lastFired.Valid {
			at := lastFired.Time
			rule.LastFiredAt = &at
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// MarkRuleFired stores the time a rule last produced a delivery.
func (s *Store) MarkRuleFired(ctx context.Context, id string, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	tag, execErr := db.Exec(ctx, markRuleFiredSQL, id, at)
	if execErr != nil {
		return fmt.Errorf("mark rule fired: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SaveCooldown upserts the last firing of a (user, kind, asset) key.
func (s *Store) SaveCooldown(ctx context.Context, c alerting.Cooldown) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, execErr := db.Exec(ctx, saveCooldownSQL, c.UserID, string(c.Kind), c.Asset, c.RuleID, c.FiredAt); execErr != nil {
		return fmt.Errorf("save cooldown: %w", execErr)
	}
	return nil
}

// ListCooldowns lists keys fired at or after since.
func (s *Store) ListCooldowns(ctx context.Context, since time.Time) ([]alerting.Cooldown, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listCooldownsSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list cooldowns: %w", queryErr)
	}
	defer rows.Close()

	var cooldowns []alerting.Cooldown
	for rows.Next() {
		var (
			c    alerting.Cooldown
			kind string
		)
		if err := rows.Scan(&c.UserID, &kind, &c.Asset, &c.RuleID, &c.FiredAt); err != nil {
			return nil, err
		}
		c.Kind = detector.Kind(kind)
		cooldowns = append(cooldowns, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cooldowns, nil
}

// InsertDelivery persists a delivery attempt.
func (s *Store) InsertDelivery(ctx context.Context, rec DeliveryRecord) (DeliveryRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return DeliveryRecord{}, err
	}

	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return DeliveryRecord{}, err
	}
	labels, err := json.Marshal(nonNilLabels(rec.Labels))
	if err != nil {
		return DeliveryRecord{}, fmt.Errorf("marshal labels: %w", err)
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	row := db.QueryRow(ctx, insertDeliverySQL,
		rec.UserID,
		rec.RuleID,
		rec.Kind,
		rec.Asset,
		rec.Severity,
		rec.Value.String(),
		payload,
		labels,
		rec.DetectedAt,
		rec.Status,
		errMsg,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return DeliveryRecord{}, fmt.Errorf("insert delivery: %w", scanErr)
	}
	return rec, nil
}

// ListRecentDeliveries lists the most recent deliveries, newest first.
func (s *Store) ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listRecentDeliveriesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", queryErr)
	}
	defer rows.Close()

	records := make([]DeliveryRecord, 0, limit)
	for rows.Next() {
		var (
			rec        DeliveryRecord
			valueStr   string
			payloadRaw []byte
			labelsRaw  []byte
			errMsg     sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.RuleID,
			&rec.Kind,
			&rec.Asset,
			&rec.Severity,
			&valueStr,
			&payloadRaw,
			&labelsRaw,
			&rec.DetectedAt,
			&rec.Status,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Value, err = decimal.NewFromString(valueStr)
		if err != nil {
			return nil, fmt.Errorf("parse delivery value: %w", err)
		}
		if rec.Payload, err = decodePayload(payloadRaw); err != nil {
			return nil, err
		}
		if len(labelsRaw) > 0 {
			if err := json.Unmarshal(labelsRaw, &rec.Labels); err != nil {
				return nil, fmt.Errorf("parse delivery labels: %w", err)
			}
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// NewDeliveryRecord flattens a delivery for persistence.
func NewDeliveryRecord(d alerting.Delivery, sendErr error) DeliveryRecord {
	rec := DeliveryRecord{
		UserID:     d.UserID,
		RuleID:     d.RuleID,
		Kind:       string(d.Event.Kind),
		Asset:      d.Event.Asset,
		Severity:   string(d.Event.Severity),
		Value:      d.Event.Value,
		Payload:    d.Event.Payload,
		Labels:     d.Event.Labels,
		DetectedAt: d.Event.DetectedAt,
		Status:     DeliveryStatusSent,
	}
	if sendErr != nil {
		msg := sendErr.Error()
		rec.Status = DeliveryStatusFailed
		rec.Error = &msg
	}
	return rec
}

func encodePayload(payload map[string]decimal.Decimal) ([]byte, error) {
	flat := make(map[string]string, len(payload))
	for k, v := range payload {
		flat[k] = v.String()
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

func decodePayload(raw []byte) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("parse delivery payload: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(flat))
	for k, v := range flat {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse payload %s: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}

func nonNilLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}
