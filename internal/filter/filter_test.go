package filter

import (
	"testing"

	"notifyrouter/internal/model"
)

func TestSubscriptionAllows(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		on    bool
		subs  []string
		topic string
		want  bool
	}{
		{name: "ungated", on: false, subs: nil, topic: "any_topic", want: true},
		{name: "ungated ignores list", on: false, subs: []string{"a"}, topic: "b", want: true},
		{name: "miss", on: true, subs: []string{"a"}, topic: "b", want: false},
		{name: "hit", on: true, subs: []string{"a"}, topic: "a", want: true},
		{name: "gated empty", on: true, subs: nil, topic: "a", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := SubscriptionAllows(tt.on, tt.subs, tt.topic); got != tt.want {
				t.Fatalf("SubscriptionAllows = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeverityPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		allMatch  bool
		requested model.Level
		floor     model.Level
		want      bool
	}{
		{name: "wildcard request", requested: model.LevelAll, floor: model.Level3, want: true},
		{name: "exact", requested: model.Level2, floor: model.Level2, want: true},
		{name: "mismatch", requested: model.Level2, floor: model.Level3, want: false},
		{name: "all floor strict", requested: model.Level1, floor: model.LevelAll, want: false},
		{name: "all floor lenient", allMatch: true, requested: model.Level1, floor: model.LevelAll, want: true},
		{name: "lenient still exact otherwise", allMatch: true, requested: model.Level1, floor: model.Level4, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := SeverityPolicy{ChannelAllMatches: tt.allMatch}
			if got := p.Allows(tt.requested, tt.floor); got != tt.want {
				t.Fatalf("Allows(%s, %s) = %v, want %v", tt.requested, tt.floor, got, tt.want)
			}
		})
	}
	if SeverityAllows(model.Level1, model.LevelAll) {
		t.Fatalf("default policy must not treat an ALL floor as a wildcard")
	}
}
