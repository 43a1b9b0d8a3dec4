// Package plan maps account tiers to their per-period request quotas.
package plan

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// Tier is a named service level.
type Tier string

// Known tiers.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Quota is the admission allowance for one counting period. Unlimited quotas
// carry no meaningful Limit value.
type Quota struct {
	Limit     int64
	Unlimited bool
}

var quotas = map[Tier]Quota{
	TierFree:       {Limit: 100},
	TierPro:        {Limit: 10000},
	TierEnterprise: {Unlimited: true},
}

// Parse normalizes a raw plan string to a Tier. The boolean reports whether
// the value named a known tier.
func Parse(raw string) (Tier, bool) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := quotas[tier]
	return tier, ok
}

// QuotaFor resolves the quota for a plan value. Unknown tiers fall back to
// the free tier's quota and are logged as an anomaly; they are never treated
// as unlimited.
func QuotaFor(raw string) Quota {
	tier, ok := Parse(raw)
	if !ok {
		log.WithField("plan", raw).Warn("plan: unknown tier, applying free quota")
		return quotas[TierFree]
	}
	return quotas[tier]
}
