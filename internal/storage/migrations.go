package storage

import (
	"context"
	"fmt"
)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS market_snapshots (
    asset TEXT NOT NULL,
    metric TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    value NUMERIC NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (asset, metric, ts)
);

CREATE INDEX IF NOT EXISTS market_snapshots_metric_ts_idx ON market_snapshots (metric, ts);

CREATE TABLE IF NOT EXISTS liquidations (
    id BIGSERIAL PRIMARY KEY,
    asset TEXT NOT NULL,
    side TEXT NOT NULL,
    notional NUMERIC NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS liquidations_ts_idx ON liquidations (ts);

CREATE TABLE IF NOT EXISTS alert_rules (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL,
    kind TEXT NOT NULL,
    asset TEXT NOT NULL DEFAULT '',
    threshold NUMERIC NOT NULL,
    direction TEXT NOT NULL,
    last_fired_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS alert_rules_user_idx ON alert_rules (user_id);

CREATE TABLE IF NOT EXISTS alert_cooldowns (
    user_id BIGINT NOT NULL,
    kind TEXT NOT NULL,
    asset TEXT NOT NULL,
    rule_id UUID NOT NULL,
    fired_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, kind, asset)
);

CREATE TABLE IF NOT EXISTS alert_deliveries (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    rule_id UUID NOT NULL,
    kind TEXT NOT NULL,
    asset TEXT NOT NULL,
    severity TEXT NOT NULL,
    value NUMERIC NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}',
    labels JSONB NOT NULL DEFAULT '{}',
    detected_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS alert_deliveries_created_idx ON alert_deliveries (created_at DESC);
`

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
