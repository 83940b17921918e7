package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(client)
	l.now = func() time.Time { return now }
	return l, mr, &now
}

func TestPresetsTable(t *testing.T) {
	want := map[Preset]Rule{
		Standard: {100, time.Minute},
		Auth:     {10, time.Minute},
		Strict:   {5, time.Minute},
		Bulk:     {10, 10 * time.Minute},
		Webhook:  {1000, time.Minute},
		Public:   {30, time.Minute},
		AI:       {20, time.Minute},
		Upload:   {10, time.Minute},
		Search:   {60, time.Minute},
		Export:   {5, time.Hour},
	}
	for _, p := range Presets() {
		got, err := RuleFor(p)
		require.NoError(t, err)
		assert.Equal(t, want[p], got, p)
	}

	_, err := RuleFor("NOPE")
	assert.Error(t, err)
}

func TestCheck_StandardAllowsHundredThenDenies(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	prev := 101
	for i := 0; i < 100; i++ {
		res := l.Check(ctx, "user:42", Standard)
		require.True(t, res.Success, "call %d", i+1)
		assert.Equal(t, 100, res.Limit)
		assert.Less(t, res.Remaining, prev)
		prev = res.Remaining
	}
	assert.Equal(t, 0, prev)

	res := l.Check(ctx, "user:42", Standard)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheck_IdentifiersAndPresetsAreIsolated(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.Check(ctx, "ip:1.1.1.1", Strict).Success)
	}
	assert.False(t, l.Check(ctx, "ip:1.1.1.1", Strict).Success)
	assert.True(t, l.Check(ctx, "ip:2.2.2.2", Strict).Success)
	assert.True(t, l.Check(ctx, "ip:1.1.1.1", Auth).Success)

	assert.True(t, mr.Exists("ratelimit:strict:ip:1.1.1.1"))
	assert.True(t, mr.Exists("ratelimit:auth:ip:1.1.1.1"))
}

func TestCheck_WindowSlides(t *testing.T) {
	l, _, now := newTestLimiter(t)
	ctx := context.Background()
	start := *now

	for i := 0; i < 5; i++ {
		*now = start.Add(time.Duration(i) * 10 * time.Second)
		require.True(t, l.Check(ctx, "org:7", Strict).Success)
	}

	*now = start.Add(50 * time.Second)
	denied := l.Check(ctx, "org:7", Strict)
	assert.False(t, denied.Success)
	assert.Equal(t, start.Add(time.Minute), denied.Reset, "reset is when the oldest hit leaves the window")
	assert.Equal(t, 10*time.Second, denied.RetryAfter(*now))

	// the first hit has aged out
	*now = start.Add(61 * time.Second)
	res := l.Check(ctx, "org:7", Strict)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheck_FailsOpenWithoutStore(t *testing.T) {
	l := NewLimiter(nil)
	for i := 0; i < 10; i++ {
		res := l.Check(context.Background(), "user:1", Strict)
		assert.True(t, res.Success)
		assert.Equal(t, 5, res.Remaining)
	}
}

func TestCheck_FailsOpenWhenStoreDown(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	mr.Close()

	for i := 0; i < 10; i++ {
		res := l.Check(context.Background(), "user:1", Strict)
		assert.True(t, res.Success)
		assert.Equal(t, 5, res.Limit)
	}
}

func TestCheck_UnknownPresetFallsBackToStandard(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	res := l.Check(context.Background(), "user:1", Preset("BOGUS"))
	assert.True(t, res.Success)
	assert.Equal(t, 100, res.Limit)
}

func TestCheck_Concurrent(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "user:race", AI).Success {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, allowed)
}

func TestWindowCacheIsShared(t *testing.T) {
	l := NewLimiter(nil)
	a := l.windowFor("p", Rule{Requests: 1, Window: time.Second})
	b := l.windowFor("p", Rule{Requests: 1, Window: time.Second})
	c := l.windowFor("p", Rule{Requests: 2, Window: time.Second})
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestIdentify(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	h.Set("X-Real-IP", "198.51.100.2")

	assert.Equal(t, "user:u1", Identify("u1", "o1", h))
	assert.Equal(t, "org:o1", Identify("", "o1", h))
	assert.Equal(t, "ip:203.0.113.9", Identify("", "", h))
}

func TestClientIP_Precedence(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded first", map[string]string{"X-Forwarded-For": "1.1.1.1", "X-Real-IP": "2.2.2.2"}, "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-IP": "2.2.2.2", "CF-Connecting-IP": "3.3.3.3"}, "2.2.2.2"},
		{"cloudflare", map[string]string{"CF-Connecting-IP": "3.3.3.3", "X-Vercel-Forwarded-For": "4.4.4.4"}, "3.3.3.3"},
		{"edge", map[string]string{"X-Vercel-Forwarded-For": "4.4.4.4"}, "4.4.4.4"},
		{"none", map[string]string{}, "unknown"},
		{"blank forwarded", map[string]string{"X-Forwarded-For": " ", "X-Real-IP": "2.2.2.2"}, "2.2.2.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tc.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientIP(h))
		})
	}
}
