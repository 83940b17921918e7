package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Preset names a (requests, window) pair from the fixed table below.
type Preset string

const (
	Standard Preset = "STANDARD"
	Auth     Preset = "AUTH"
	Strict   Preset = "STRICT"
	Bulk     Preset = "BULK"
	Webhook  Preset = "WEBHOOK"
	Public   Preset = "PUBLIC"
	AI       Preset = "AI"
	Upload   Preset = "UPLOAD"
	Search   Preset = "SEARCH"
	Export   Preset = "EXPORT"
)

// Rule is a request budget over a sliding window.
type Rule struct {
	Requests int
	Window   time.Duration
}

var presets = map[Preset]Rule{
	Standard: {Requests: 100, Window: time.Minute},
	Auth:     {Requests: 10, Window: time.Minute},
	Strict:   {Requests: 5, Window: time.Minute},
	Bulk:     {Requests: 10, Window: 10 * time.Minute},
	Webhook:  {Requests: 1000, Window: time.Minute},
	Public:   {Requests: 30, Window: time.Minute},
	AI:       {Requests: 20, Window: time.Minute},
	Upload:   {Requests: 10, Window: time.Minute},
	Search:   {Requests: 60, Window: time.Minute},
	Export:   {Requests: 5, Window: time.Hour},
}

// RuleFor returns the rule of a preset.
func RuleFor(p Preset) (Rule, error) {
	r, ok := presets[p]
	if !ok {
		return Rule{}, fmt.Errorf("unknown rate limit preset %q", p)
	}
	return r, nil
}

// Presets lists every known preset.
func Presets() []Preset {
	return []Preset{Standard, Auth, Strict, Bulk, Webhook, Public, AI, Upload, Search, Export}
}

// Prefix is the key namespace of a preset in the counter store.
func (p Preset) Prefix() string {
	return "ratelimit:" + strings.ToLower(string(p))
}
