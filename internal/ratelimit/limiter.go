package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"chirp/internal/metrics"
	"chirp/internal/utils/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result is the outcome of one check.
type Result struct {
	Success   bool      `json:"success"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// RetryAfter is how long a denied caller should wait, never less than a second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.Reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// slidingWindow keeps one timestamped member per admitted request in a
// sorted set. Members older than the window are trimmed before counting.
// KEYS[1] key; ARGV now_ms, cutoff_ms, limit, member, window_ms.
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local limit = tonumber(ARGV[3])
local allowed = 0
if count < limit then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
local reset = tonumber(ARGV[1]) + tonumber(ARGV[5])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + tonumber(ARGV[5])
end
return {allowed, limit - count, reset}
`)

// window is a constructed limiter for one (prefix, requests, window) tuple.
type window struct {
	prefix string
	rule   Rule
}

type windowKey struct {
	prefix   string
	requests int
	window   time.Duration
}

// Limiter checks identifiers against presets in Redis. A nil client, or any
// store error, makes every check succeed.
type Limiter struct {
	client redis.Scripter
	logger *logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[windowKey]*window
}

func NewLimiter(client redis.Scripter) *Limiter {
	return &Limiter{
		client:  client,
		logger:  logger.New("RATELIMIT"),
		now:     time.Now,
		windows: make(map[windowKey]*window),
	}
}

// Check applies preset to identifier.
func (l *Limiter) Check(ctx context.Context, identifier string, preset Preset) Result {
	rule, err := RuleFor(preset)
	if err != nil {
		l.logger.Warn("%v, using %s", err, Standard)
		preset, rule = Standard, presets[Standard]
	}
	res, outcome := l.check(ctx, l.windowFor(preset.Prefix(), rule), identifier)
	metrics.RateLimitDecisions.WithLabelValues(string(preset), outcome).Inc()
	return res
}

// CheckRule applies an ad hoc rule under prefix.
func (l *Limiter) CheckRule(ctx context.Context, prefix, identifier string, rule Rule) Result {
	res, _ := l.check(ctx, l.windowFor(prefix, rule), identifier)
	return res
}

func (l *Limiter) windowFor(prefix string, rule Rule) *window {
	key := windowKey{prefix: prefix, requests: rule.Requests, window: rule.Window}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return w
	}
	w := &window{prefix: prefix, rule: rule}
	l.windows[key] = w
	return w
}

func (l *Limiter) check(ctx context.Context, w *window, identifier string) (Result, string) {
	now := l.now()
	open := Result{
		Success:   true,
		Limit:     w.rule.Requests,
		Remaining: w.rule.Requests,
		Reset:     now.Add(w.rule.Window),
	}
	if l.client == nil {
		return open, "fail_open"
	}

	nowMs := now.UnixMilli()
	windowMs := w.rule.Window.Milliseconds()
	key := fmt.Sprintf("%s:%s", w.prefix, identifier)

	vals, err := slidingWindow.Run(ctx, l.client, []string{key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-windowMs, 10),
		w.rule.Requests,
		fmt.Sprintf("%d-%s", nowMs, uuid.NewString()),
		windowMs,
	).Int64Slice()
	if err != nil || len(vals) != 3 {
		l.logger.Warn("rate limit store unavailable for %s, allowing request: %v", key, err)
		return open, "fail_open"
	}

	res := Result{
		Success:   vals[0] == 1,
		Limit:     w.rule.Requests,
		Remaining: int(vals[1]),
		Reset:     time.UnixMilli(vals[2]).In(now.Location()),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if res.Success {
		return res, "allowed"
	}
	return res, "denied"
}
