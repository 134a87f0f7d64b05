package keypool

import (
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, n int, cfg Config) (*Pool, *fakeClock) {
	t.Helper()
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = Key{Secret: "sk-test-secret-" + string(rune('a'+i))}
	}
	p, err := New(keys, cfg)
	require.NoError(t, err)
	clk := newFakeClock()
	p.SetClock(clk.Now)
	return p, clk
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	_, err = New([]Key{{ID: "a", Secret: ""}}, DefaultConfig())
	assert.Error(t, err)

	_, err = New([]Key{{ID: "a", Secret: "x"}, {ID: "a", Secret: "y"}}, DefaultConfig())
	assert.Error(t, err)

	p, err := New([]Key{{Secret: "x"}, {ID: "named", Secret: "y"}}, Config{})
	require.NoError(t, err)
	snap := p.Snapshot()
	assert.Equal(t, "key-1", snap[0].ID)
	assert.Equal(t, "named", snap[1].ID)
	assert.Equal(t, 5, p.cfg.ErrorThreshold)
	assert.Equal(t, 60*time.Second, p.cfg.DefaultCooldown)
}

func TestAcquire_RoundRobin(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 3, DefaultConfig())

	var ids []string
	for range 6 {
		c, err := p.Acquire()
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"key-1", "key-2", "key-3", "key-1", "key-2", "key-3"}, ids)
}

func TestAcquire_SkipsCoolingUntilCooldownElapses(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t, 2, DefaultConfig())

	wait := 30 * time.Second
	require.NoError(t, p.ReportRateLimited("key-1", &wait))

	for range 4 {
		c, err := p.Acquire()
		require.NoError(t, err)
		assert.Equal(t, "key-2", c.ID)
	}

	clk.Advance(29 * time.Second)
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-2", c.ID)

	clk.Advance(time.Second)
	seen := map[string]bool{}
	for range 2 {
		c, err := p.Acquire()
		require.NoError(t, err)
		seen[c.ID] = true
	}
	assert.True(t, seen["key-1"], "key-1 should be back in rotation")
	assert.Equal(t, 2, p.Counts()[Active])
}

func TestAcquire_NoneAvailableWhileCooling(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t, 2, DefaultConfig())

	short := 10 * time.Second
	require.NoError(t, p.ReportRateLimited("key-1", nil))
	require.NoError(t, p.ReportRateLimited("key-2", &short))

	_, err := p.Acquire()
	assert.True(t, eris.Is(err, ErrNoneAvailable))

	next, ok := p.NextAvailable()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(short), next)

	clk.Advance(short)
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-2", c.ID)
}

func TestReportError_ExhaustsAtThreshold(t *testing.T) {
	t.Parallel()

	var transitions []string
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 3
	cfg.OnStateChange = func(id string, from, to State) {
		transitions = append(transitions, id+":"+from.String()+"->"+to.String())
	}
	p, _ := newTestPool(t, 1, cfg)

	require.NoError(t, p.ReportError("key-1"))
	require.NoError(t, p.ReportError("key-1"))
	_, err := p.Acquire()
	require.NoError(t, err)

	require.NoError(t, p.ReportError("key-1"))
	_, err = p.Acquire()
	assert.True(t, eris.Is(err, ErrPoolExhausted))
	assert.True(t, p.Exhausted())
	assert.Equal(t, []string{"key-1:active->exhausted"}, transitions)
}

func TestReportSuccess_ResetsConsecutiveErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ErrorThreshold = 2
	p, _ := newTestPool(t, 1, cfg)

	require.NoError(t, p.ReportError("key-1"))
	require.NoError(t, p.ReportSuccess("key-1"))
	require.NoError(t, p.ReportError("key-1"))

	assert.False(t, p.Exhausted())
	assert.Equal(t, 1, p.Snapshot()[0].ErrorCount)
}

func TestReportQuotaExhausted(t *testing.T) {
	t.Parallel()

	t.Run("cools and counts toward threshold", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.ErrorThreshold = 2
		p, clk := newTestPool(t, 1, cfg)

		require.NoError(t, p.ReportQuotaExhausted("key-1", nil))
		assert.Equal(t, Cooling, p.Snapshot()[0].State)

		clk.Advance(time.Minute)
		_, err := p.Acquire()
		require.NoError(t, err)

		require.NoError(t, p.ReportQuotaExhausted("key-1", nil))
		assert.True(t, p.Exhausted())
	})

	t.Run("exhaust on quota", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.ExhaustOnQuota = true
		p, _ := newTestPool(t, 2, cfg)

		require.NoError(t, p.ReportQuotaExhausted("key-1", nil))
		require.NoError(t, p.ReportQuotaExhausted("key-2", nil))
		_, err := p.Acquire()
		assert.True(t, eris.Is(err, ErrPoolExhausted))
	})
}

func TestReportInvalid(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2, DefaultConfig())
	require.NoError(t, p.ReportInvalid("key-1"))

	for range 3 {
		c, err := p.Acquire()
		require.NoError(t, err)
		assert.Equal(t, "key-2", c.ID)
	}
}

func TestReport_UnknownCredential(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1, DefaultConfig())
	assert.True(t, eris.Is(p.ReportSuccess("nope"), ErrUnknownCredential))
	assert.True(t, eris.Is(p.ReportError("nope"), ErrUnknownCredential))
	assert.True(t, eris.Is(p.ReportRateLimited("nope", nil), ErrUnknownCredential))
}

func TestExhaustedIgnoresCooldownSignals(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1, DefaultConfig())
	require.NoError(t, p.ReportInvalid("key-1"))
	require.NoError(t, p.ReportRateLimited("key-1", nil))

	snap := p.Snapshot()
	assert.Equal(t, Exhausted, snap[0].State)
	assert.Nil(t, snap[0].CooldownUntil)
}

func TestMask(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "****", Mask("short"))
	assert.Equal(t, "sk-ant-a...", Mask("sk-ant-abcdefgh"))
}

func TestAcquire_Concurrent(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 4, DefaultConfig())

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire()
			if err == nil {
				_ = p.MarkSent(c.ID)
				_ = p.ReportSuccess(c.ID)
			}
		}()
	}
	wg.Wait()

	var total int64
	for _, c := range p.Snapshot() {
		total += c.Requests
	}
	assert.Equal(t, int64(50), total)
}

func TestRequests_CountOnlySentCalls(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2, DefaultConfig())

	for range 6 {
		_, err := p.Acquire()
		require.NoError(t, err)
	}
	for _, c := range p.Snapshot() {
		assert.Zero(t, c.Requests, "acquired but never sent")
	}

	c, err := p.Acquire()
	require.NoError(t, err)
	require.NoError(t, p.MarkSent(c.ID))
	require.NoError(t, p.ReportRateLimited(c.ID, nil))

	var total int64
	for _, s := range p.Snapshot() {
		total += s.Requests
	}
	assert.Equal(t, int64(1), total)
	assert.Error(t, p.MarkSent("missing"))
}
