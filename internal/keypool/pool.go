// Package keypool hands out API credentials and tracks their cooldown and
// error state for the duration of a run.
package keypool

import (
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State represents the availability of a credential.
type State int

const (
	// Active credentials may be handed out.
	Active State = iota
	// Cooling credentials are skipped until their cooldown elapses.
	Cooling
	// Exhausted credentials are never handed out again during this run.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Cooling:
		return "cooling"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

var (
	// ErrNoneAvailable is returned when every usable credential is cooling.
	// Callers should wait until NextAvailable rather than poll.
	ErrNoneAvailable = eris.New("keypool: no credential available")

	// ErrPoolExhausted is returned once every credential is exhausted.
	ErrPoolExhausted = eris.New("keypool: all credentials exhausted")

	// ErrUnknownCredential is returned when reporting on an id the pool does not own.
	ErrUnknownCredential = eris.New("keypool: unknown credential")
)

// Key is a configured credential before it enters the pool.
type Key struct {
	ID     string `yaml:"id" mapstructure:"id"`
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// Credential is a point-in-time copy of one pooled credential.
type Credential struct {
	ID            string     `json:"id"`
	Secret        string     `json:"-"`
	State         State      `json:"-"`
	ErrorCount    int        `json:"error_count"`
	LastUsedAt    time.Time  `json:"last_used_at"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Requests      int64      `json:"requests"`
	RateLimits    int64      `json:"rate_limits"`
	Errors        int64      `json:"errors"`
}

// Masked returns a short, log-safe prefix of the secret.
func (c Credential) Masked() string {
	return Mask(c.Secret)
}

// Mask returns the first characters of a secret followed by an ellipsis.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:8] + "..."
}

// Config controls pool behavior.
type Config struct {
	// ErrorThreshold is the number of consecutive errors after which a
	// credential is exhausted. Default: 5.
	ErrorThreshold int

	// DefaultCooldown applies to rate-limit signals without a retry-after
	// hint. Default: 60s.
	DefaultCooldown time.Duration

	// QuotaCooldown applies to quota signals without a hint. Default: 60s.
	QuotaCooldown time.Duration

	// ExhaustOnQuota marks a credential exhausted on its first quota signal
	// instead of cooling it.
	ExhaustOnQuota bool

	// OnStateChange is called (with the pool lock held) on every transition.
	OnStateChange func(id string, from, to State)
}

// DefaultConfig returns the default pool settings.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:  5,
		DefaultCooldown: 60 * time.Second,
		QuotaCooldown:   60 * time.Second,
	}
}

type entry struct {
	cred Credential
}

// Pool selects credentials round-robin and records call outcomes. All
// methods are safe for concurrent use.
type Pool struct {
	cfg     Config
	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
	next    int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New builds a pool from the configured keys. Keys without an id are named
// key-1, key-2, ... in order.
func New(keys []Key, cfg Config) (*Pool, error) {
	if len(keys) == 0 {
		return nil, eris.New("keypool: at least one credential is required")
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 60 * time.Second
	}
	if cfg.QuotaCooldown <= 0 {
		cfg.QuotaCooldown = 60 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		byID:    make(map[string]*entry, len(keys)),
		nowFunc: time.Now,
	}
	for i, k := range keys {
		if k.Secret == "" {
			return nil, eris.Errorf("keypool: credential %d has an empty secret", i+1)
		}
		id := k.ID
		if id == "" {
			id = fmt.Sprintf("key-%d", i+1)
		}
		if _, dup := p.byID[id]; dup {
			return nil, eris.Errorf("keypool: duplicate credential id %q", id)
		}
		e := &entry{cred: Credential{ID: id, Secret: k.Secret, State: Active}}
		p.entries = append(p.entries, e)
		p.byID[id] = e
	}

	zap.L().Info("keypool: initialized", zap.Int("credentials", len(p.entries)))
	return p, nil
}

// SetClock overrides the time source. Intended for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nowFunc = now
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Acquire returns the next usable credential in round-robin order. Cooling
// credentials whose cooldown has elapsed are reactivated first.
func (p *Pool) Acquire() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	n := len(p.entries)
	exhausted := 0
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		e := p.entries[idx]

		if e.cred.State == Cooling && e.cred.CooldownUntil != nil && !now.Before(*e.cred.CooldownUntil) {
			e.cred.CooldownUntil = nil
			p.transition(e, Active)
		}

		switch e.cred.State {
		case Exhausted:
			exhausted++
			continue
		case Cooling:
			continue
		}

		p.next = (idx + 1) % n
		return e.cred, nil
	}

	if exhausted == n {
		return Credential{}, ErrPoolExhausted
	}
	return Credential{}, ErrNoneAvailable
}

// NextAvailable returns the earliest time a cooling credential becomes
// usable. ok is false when no credential is cooling.
func (p *Pool) NextAvailable() (t time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.cred.State != Cooling || e.cred.CooldownUntil == nil {
			continue
		}
		if !ok || e.cred.CooldownUntil.Before(t) {
			t = *e.cred.CooldownUntil
			ok = true
		}
	}
	return t, ok
}

// Exhausted reports whether every credential is exhausted.
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.cred.State != Exhausted {
			return false
		}
	}
	return true
}

// MarkSent counts a request that reached the service on id. Acquiring a
// credential alone does not count, since the caller may hand it back unused.
func (p *Pool) MarkSent(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return eris.Wrapf(ErrUnknownCredential, "mark sent %s", id)
	}
	e.cred.Requests++
	e.cred.LastUsedAt = p.nowFunc()
	return nil
}

// ReportSuccess resets the consecutive error count.
func (p *Pool) ReportSuccess(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return eris.Wrapf(ErrUnknownCredential, "report success %s", id)
	}
	e.cred.ErrorCount = 0
	e.cred.LastUsedAt = p.nowFunc()
	return nil
}

// ReportRateLimited cools the credential for retryAfter, or the default
// cooldown when the service gave no hint.
func (p *Pool) ReportRateLimited(id string, retryAfter *time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return eris.Wrapf(ErrUnknownCredential, "report rate limited %s", id)
	}
	e.cred.RateLimits++
	if e.cred.State == Exhausted {
		return nil
	}

	d := p.cfg.DefaultCooldown
	if retryAfter != nil && *retryAfter > 0 {
		d = *retryAfter
	}
	p.cool(e, d)
	zap.L().Warn("keypool: credential rate limited",
		zap.String("credential", id),
		zap.Duration("cooldown", d),
	)
	return nil
}

// ReportQuotaExhausted records a quota signal. The credential cools for the
// quota cooldown and the signal counts toward the error threshold.
func (p *Pool) ReportQuotaExhausted(id string, retryAfter *time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return eris.Wrapf(ErrUnknownCredential, "report quota %s", id)
	}
	if e.cred.State == Exhausted {
		return nil
	}

	e.cred.Errors++
	e.cred.ErrorCount++
	if p.cfg.ExhaustOnQuota || e.cred.ErrorCount >= p.cfg.ErrorThreshold {
		p.exhaust(e, "quota exhausted")
		return nil
	}

	d := p.cfg.QuotaCooldown
	if retryAfter != nil && *retryAfter > 0 {
		d = *retryAfter
	}
	p.cool(e, d)
	zap.L().Warn("keypool: credential quota exhausted",
		zap.String("credential", id),
		zap.Duration("cooldown", d),
		zap.Int("consecutive_errors", e.cred.ErrorCount),
	)
	return nil
}

// ReportError counts a consecutive error and exhausts the credential once
// the threshold is reached.
func (p *Pool) ReportError(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return eris.Wrapf(ErrUnknownCredential, "report error %s", id)
	}
	if e.cred.State == Exhausted {
		return nil
	}

	e.cred.Errors++
	e.cred.ErrorCount++
	if e.cred.ErrorCount >= p.cfg.ErrorThreshold {
		p.exhaust(e, "consecutive error threshold reached")
	}
	return nil
}

// ReportInvalid exhausts a credential the service rejected outright.
func (p *Pool) ReportInvalid(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return eris.Wrapf(ErrUnknownCredential, "report invalid %s", id)
	}
	e.cred.Errors++
	if e.cred.State != Exhausted {
		p.exhaust(e, "credential rejected")
	}
	return nil
}

// Snapshot returns a copy of every credential in pool order.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, len(p.entries))
	for i, e := range p.entries {
		c := e.cred
		if c.CooldownUntil != nil {
			t := *c.CooldownUntil
			c.CooldownUntil = &t
		}
		out[i] = c
	}
	return out
}

// Counts returns the number of credentials in each state.
func (p *Pool) Counts() map[State]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := map[State]int{Active: 0, Cooling: 0, Exhausted: 0}
	for _, e := range p.entries {
		counts[e.cred.State]++
	}
	return counts
}

func (p *Pool) cool(e *entry, d time.Duration) {
	until := p.nowFunc().Add(d)
	e.cred.CooldownUntil = &until
	if e.cred.State != Cooling {
		p.transition(e, Cooling)
	}
}

func (p *Pool) exhaust(e *entry, reason string) {
	e.cred.CooldownUntil = nil
	p.transition(e, Exhausted)
	zap.L().Error("keypool: credential exhausted",
		zap.String("credential", e.cred.ID),
		zap.String("reason", reason),
		zap.Int("consecutive_errors", e.cred.ErrorCount),
	)
}

func (p *Pool) transition(e *entry, to State) {
	from := e.cred.State
	e.cred.State = to
	if p.cfg.OnStateChange != nil && from != to {
		p.cfg.OnStateChange(e.cred.ID, from, to)
	}
}
