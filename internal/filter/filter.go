// Package filter holds the per-channel delivery predicates.
package filter

import "notifyrouter/internal/model"

// SubscriptionAllows is true when the channel is not subscription-gated or
// topic is one of its subscriptions.
func SubscriptionAllows(isSubscribe bool, subscriptions []string, topic string) bool {
	if !isSubscribe {
		return true
	}
	for _, s := range subscriptions {
		if s == topic {
			return true
		}
	}
	return false
}

// SeverityPolicy selects how a channel floor of ALL is treated.
type SeverityPolicy struct {
	// ChannelAllMatches makes a channel whose floor is ALL accept every
	// requested level.
	ChannelAllMatches bool
}

// Allows is true when the requested level is the wildcard or equals the
// channel floor.
func (p SeverityPolicy) Allows(requested, floor model.Level) bool {
	if requested == model.LevelAll || requested == floor {
		return true
	}
	return p.ChannelAllMatches && floor == model.LevelAll
}

// SeverityAllows applies the default policy.
func SeverityAllows(requested, floor model.Level) bool {
	return SeverityPolicy{}.Allows(requested, floor)
}
