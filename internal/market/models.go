package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Metric identifies the kind of value a snapshot carries.
type Metric string

const (
	MetricFunding      Metric = "funding"
	MetricOpenInterest Metric = "open_interest"
	MetricVolume       Metric = "volume"
	MetricPrice        Metric = "price"
)

// Metrics lists every series metric in a stable order.
var Metrics = []Metric{MetricFunding, MetricOpenInterest, MetricVolume, MetricPrice}

// Valid reports whether m is a known series metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricFunding, MetricOpenInterest, MetricVolume, MetricPrice:
		return true
	}
	return false
}

// ParseMetric converts user input into a Metric.
func ParseMetric(s string) (Metric, error) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", InvalidParameterf("unknown metric %q", s)
	}
	return m, nil
}

// Snapshot is one point-in-time reading for an asset.
type Snapshot struct {
	Asset     string          `json:"asset"`
	Metric    Metric          `json:"metric"`
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Side is the position side that was liquidated.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// LiquidationRecord is one forced position closure.
type LiquidationRecord struct {
	Asset     string          `json:"asset"`
	Side      Side            `json:"side"`
	Notional  decimal.Decimal `json:"notional"`
	Timestamp time.Time       `json:"timestamp"`
	// Seq is assigned by the store on append and orders records sharing a timestamp.
	Seq uint64 `json:"-"`
}

// NormalizeAsset upper-cases and trims an asset symbol.
func NormalizeAsset(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
