package alerting

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/market"
)

const defaultCooldown = 15 * time.Minute

// Options configures a Registry.
type Options struct {
	Cooldown time.Duration
	// Store persists rules; nil keeps them in memory only.
	Store RuleStore
	// Guard extends the cooldown across processes; nil relies on the in-process map.
	Guard CooldownGuard
	// Cooldowns persists fired keys so wildcard rules keep their cooldown across restarts.
	Cooldowns CooldownStore
	Clock func() time.Time
}

type cooldownKey struct {
	userID int64
	kind   detector.Kind
	asset  string
}

func (k cooldownKey) String() string {
	return strconv.FormatInt(k.userID, 10) + ":" + string(k.kind) + ":" + k.asset
}

// Registry owns user rules and filters events through them under a cooldown.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	rules map[string]Rule
	fired map[cooldownKey]time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		opts:   opts,
		logger: logger.With().Str("component", "alert_registry").Logger(),
		rules:  make(map[string]Rule),
		fired:  make(map[cooldownKey]time.Time),
	}
}

// Cooldown returns the configured cooldown.
func (r *Registry) Cooldown() time.Duration { return r.opts.Cooldown }

// Register validates rule, assigns it an id and stores it.
func (r *Registry) Register(ctx context.Context, rule Rule) (string, error) {
	rule.Asset = market.NormalizeAsset(rule.Asset)
	if err := rule.validate(); err != nil {
		return "", err
	}
	rule.ID = uuid.NewString()
	rule.CreatedAt = r.opts.Clock().UTC()
	rule.LastFiredAt = nil

	if r.opts.Store != nil {
		if err := r.opts.Store.SaveRule(ctx, rule); err != nil {
			return "", fmt.Errorf("save rule: %w", err)
		}
	}

	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()

	r.logger.Info().Str("rule_id", rule.ID).
		Int64("user_id", rule.UserID).
		Str("kind", string(rule.Kind)).
		Str("asset", rule.Asset).
		Str("direction", string(rule.Direction)).
		Str("threshold", rule.Threshold.String()).
		Msg("rule registered")
	return rule.ID, nil
}

// Remove deletes a rule by id.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.rules[id]
	r.mu.Unlock()
	if !ok {
		return market.NotFoundf("rule %s", id)
	}

	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
	}

	r.mu.Lock()
	delete(r.rules, id)
	r.mu.Unlock()
	return nil
}

// Rule looks up a rule by id.
func (r *Registry) Rule(id string) (Rule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Rules lists the rules of userID, oldest first. A zero userID lists every rule.
func (r *Registry) Rules(userID int64) []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(userID)
}

// Load replaces the in-memory rules with those held by the rule store and seeds
// the cooldown map from their last firing.
func (r *Registry) Load(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	rules, err := r.opts.Store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	var cooldowns []Cooldown
	if r.opts.Cooldowns != nil {
		since := r.opts.Clock().UTC().Add(-r.opts.Cooldown)
		cooldowns, err = r.opts.Cooldowns.ListCooldowns(ctx, since)
		if err != nil {
			return fmt.Errorf("list cooldowns: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = make(map[string]Rule, len(rules))
	for _, rule := range rules {
		r.rules[rule.ID] = rule
		// a wildcard rule does not know which asset it fired on
		if rule.LastFiredAt != nil && rule.Asset != "" {
			r.seedLocked(cooldownKey{userID: rule.UserID, kind: rule.Kind, asset: rule.Asset}, *rule.LastFiredAt)
		}
	}
	for _, c := range cooldowns {
		r.seedLocked(c.key(), c.FiredAt)
	}
	r.logger.Info().Int("rules", len(rules)).Int("cooldowns", len(cooldowns)).Msg("rules loaded")
	return nil
}

func (r *Registry) seedLocked(key cooldownKey, at time.Time) {
	if prev, ok := r.fired[key]; !ok || at.After(prev) {
		r.fired[key] = at
	}
}

// Evaluate matches events against every rule and returns the deliveries that are
// outside their cooldown. Checking and marking the cooldown happen under one lock,
// so concurrent callers never deliver the same (user, kind, asset) twice. When
// several events of one pass share a cooldown key, the most severe one is delivered
// and ties go to the earliest.
func (r *Registry) Evaluate(ctx context.Context, events []detector.Event) []Delivery {
	if len(events) == 0 {
		return nil
	}
	now := r.opts.Clock().UTC()

	r.mu.Lock()
	candidates := r.candidatesLocked(events)
	var deliveries []Delivery
	var fired []Cooldown
	for _, c := range candidates {
		if last, ok := r.fired[c.key]; ok && now.Sub(last) < r.opts.Cooldown {
			continue
		}
		if !r.claimLocked(ctx, c.key) {
			continue
		}
		r.fired[c.key] = now
		at := now
		rule := r.rules[c.ruleID]
		rule.LastFiredAt = &at
		r.rules[rule.ID] = rule
		fired = append(fired, Cooldown{RuleID: rule.ID, UserID: c.key.userID, Kind: c.key.kind, Asset: c.key.asset, FiredAt: now})
		deliveries = append(deliveries, Delivery{UserID: rule.UserID, RuleID: rule.ID, Event: c.event})
	}
	r.mu.Unlock()

	r.persistFired(ctx, fired)
	return deliveries
}

type candidate struct {
	key    cooldownKey
	ruleID string
	event  detector.Event
}

// candidatesLocked keeps one matching (rule, event) pair per cooldown key, in order
// of first appearance.
func (r *Registry) candidatesLocked(events []detector.Event) []candidate {
	rules := r.sortedLocked(0)
	var out []candidate
	index := make(map[cooldownKey]int)
	for _, ev := range events {
		for _, rule := range rules {
			if !rule.Matches(ev) {
				continue
			}
			key := cooldownKey{userID: rule.UserID, kind: ev.Kind, asset: ev.Asset}
			if i, ok := index[key]; ok {
				if ev.Severity.Rank() > out[i].event.Severity.Rank() {
					out[i] = candidate{key: key, ruleID: rule.ID, event: ev}
				}
				continue
			}
			index[key] = len(out)
			out = append(out, candidate{key: key, ruleID: rule.ID, event: ev})
		}
	}
	return out
}

func (r *Registry) persistFired(ctx context.Context, fired []Cooldown) {
	for _, c := range fired {
		if r.opts.Store != nil {
			if err := r.opts.Store.MarkRuleFired(ctx, c.RuleID, c.FiredAt); err != nil {
				r.logger.Warn().Err(err).Str("rule_id", c.RuleID).Msg("failed to persist rule firing")
			}
		}
		if r.opts.Cooldowns != nil {
			if err := r.opts.Cooldowns.SaveCooldown(ctx, c); err != nil {
				r.logger.Warn().Err(err).Str("key", c.key().String()).Msg("failed to persist cooldown")
			}
		}
	}
}

// claimLocked asks the distributed guard for the key. A guard error suppresses the
// delivery.
func (r *Registry) claimLocked(ctx context.Context, key cooldownKey) bool {
	if r.opts.Guard == nil {
		return true
	}
	ok, err := r.opts.Guard.Acquire(ctx, key.String(), r.opts.Cooldown)
	if err != nil {
		r.logger.Error().Err(err).Str("key", key.String()).Msg("cooldown guard unavailable, suppressing delivery")
		return false
	}
	if !ok {
		r.logger.Debug().Str("key", key.String()).Msg("cooldown held by another instance")
	}
	return ok
}

func (r *Registry) sortedLocked(userID int64) []Rule {
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if userID == 0 || rule.UserID == userID {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
