package alerting

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/market"
)

// Direction selects how a rule compares an event against its threshold.
type Direction string

const (
	DirectionAbove         Direction = "above"
	DirectionBelow         Direction = "below"
	DirectionChangePercent Direction = "change_percent"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionAbove, DirectionBelow, DirectionChangePercent:
		return true
	}
	return false
}

// ParseDirection converts user input into a Direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", market.InvalidParameterf("unknown rule direction %q", s)
	}
	return d, nil
}

// Rule is a user's subscription to one event kind. An empty Asset matches every asset.
type Rule struct {
	ID          string
	UserID      int64
	Kind        detector.Kind
	Asset       string
	Threshold   decimal.Decimal
	Direction   Direction
	LastFiredAt *time.Time
	CreatedAt   time.Time
}

// Matches reports whether ev satisfies the rule, ignoring cooldown.
func (r Rule) Matches(ev detector.Event) bool {
	if ev.Kind != r.Kind {
		return false
	}
	if r.Asset != "" && r.Asset != ev.Asset {
		return false
	}
	switch r.Direction {
	case DirectionAbove:
		return ev.Value.GreaterThanOrEqual(r.Threshold)
	case DirectionBelow:
		return ev.Value.LessThanOrEqual(r.Threshold)
	case DirectionChangePercent:
		return ev.ChangePct().Abs().GreaterThanOrEqual(r.Threshold)
	}
	return false
}

func (r Rule) validate() error {
	if r.UserID <= 0 {
		return market.InvalidParameterf("rule user id must be positive, got %d", r.UserID)
	}
	if !r.Kind.Valid() {
		return market.InvalidParameterf("unknown rule kind %q", r.Kind)
	}
	if !r.Direction.Valid() {
		return market.InvalidParameterf("unknown rule direction %q", r.Direction)
	}
	if r.Direction == DirectionChangePercent && r.Threshold.IsNegative() {
		return market.InvalidParameterf("change_percent threshold must not be negative, got %s", r.Threshold)
	}
	return nil
}

// Delivery is an event routed to the user whose rule it satisfied.
type Delivery struct {
	UserID int64
	RuleID string
	Event  detector.Event
}

// RuleStore persists rules. Implementations must be safe for concurrent use.
type RuleStore interface {
	SaveRule(ctx context.Context, rule Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]Rule, error)
	MarkRuleFired(ctx context.Context, id string, at time.Time) error
}

// Cooldown is one fired (user, kind, asset) key.
type Cooldown struct {
	RuleID  string
	UserID  int64
	Kind    detector.Kind
	Asset   string
	FiredAt time.Time
}

func (c Cooldown) key() cooldownKey {
	return cooldownKey{userID: c.UserID, kind: c.Kind, asset: c.Asset}
}

// CooldownStore persists fired cooldown keys. ListCooldowns returns keys fired at or
// after since.
type CooldownStore interface {
	SaveCooldown(ctx context.Context, c Cooldown) error
	ListCooldowns(ctx context.Context, since time.Time) ([]Cooldown, error)
}

// CooldownGuard claims a cooldown key across processes. Acquire returns true when
// the caller now owns key for ttl.
type CooldownGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
