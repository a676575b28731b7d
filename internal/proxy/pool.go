package proxy

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/asinwatch/harvester/internal/types"
)

// State describes an endpoint's availability.
type State int

const (
	StateHealthy State = iota
	StateCooling
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateCooling:
		return "cooling"
	case StateBanned:
		return "banned"
	}
	return "unknown"
}

// Outcome is the caller's report on how a request through an endpoint went.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBlocked
	OutcomeTimeout
	OutcomeError
)

// Endpoint is one outbound proxy. The URL carries scheme, host, port and
// optional credentials.
type Endpoint struct {
	URL *url.URL

	state         State
	consecFails   int
	cooldownUntil time.Time
	lastUse       time.Time
}

// Host returns the endpoint's host:port for logging.
func (e *Endpoint) Host() string {
	if e == nil || e.URL == nil {
		return "direct"
	}
	return e.URL.Host
}

// Options tunes pool behavior.
type Options struct {
	// BanThreshold is the consecutive failure count that permanently
	// bans an endpoint. Zero means the default of 5.
	BanThreshold int

	// CooldownBase is the first cooldown period; each further
	// consecutive failure doubles it, capped at CooldownMax.
	CooldownBase time.Duration
	CooldownMax  time.Duration

	// AllowDirect makes Acquire return a nil endpoint (direct
	// connection) instead of ErrPoolExhausted when nothing is usable.
	AllowDirect bool
}

func (o *Options) withDefaults() Options {
	out := Options{BanThreshold: 5, CooldownBase: 30 * time.Second, CooldownMax: 15 * time.Minute}
	if o == nil {
		return out
	}
	if o.BanThreshold > 0 {
		out.BanThreshold = o.BanThreshold
	}
	if o.CooldownBase > 0 {
		out.CooldownBase = o.CooldownBase
	}
	if o.CooldownMax > 0 {
		out.CooldownMax = o.CooldownMax
	}
	out.AllowDirect = o.AllowDirect
	return out
}

// Pool rotates requests across proxy endpoints. Endpoints that fail are
// cooled down with exponential backoff and banned after too many
// consecutive failures; Acquire only ever hands out usable ones.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	next      int
	opts      Options
	now       func() time.Time
	logger    *slog.Logger
}

// NewPool creates a pool over the given endpoints.
func NewPool(endpoints []*Endpoint, opts *Options, logger *slog.Logger) *Pool {
	return &Pool{
		endpoints: endpoints,
		opts:      opts.withDefaults(),
		now:       time.Now,
		logger:    logger.With("component", "proxy_pool"),
	}
}

// Acquire returns the next usable endpoint in round-robin order.
// Endpoints whose cooldown has elapsed are promoted back to healthy
// first. A (nil, nil) return means "use a direct connection" and only
// happens when the pool was built with AllowDirect or with no
// endpoints at all.
func (p *Pool) Acquire() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return nil, nil
	}

	now := p.now()
	for i := 0; i < len(p.endpoints); i++ {
		e := p.endpoints[p.next%len(p.endpoints)]
		p.next++

		if e.state == StateCooling && !now.Before(e.cooldownUntil) {
			e.state = StateHealthy
			p.logger.Debug("endpoint cooled down", "proxy", e.Host())
		}
		if e.state != StateHealthy {
			continue
		}
		e.lastUse = now
		return e, nil
	}

	if p.opts.AllowDirect {
		p.logger.Warn("all endpoints unavailable, falling back to direct connection")
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %d endpoints all cooling or banned", types.ErrPoolExhausted, len(p.endpoints))
}

// Report records the outcome of a request made through ep. A nil ep
// (direct connection) is a no-op. Success resets the failure streak;
// a blocked, timed-out, or errored request cools the endpoint down,
// and the ban threshold is applied on consecutive failures.
func (p *Pool) Report(ep *Endpoint, outcome Outcome) {
	if ep == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ep.lastUse = p.now()

	if outcome == OutcomeSuccess {
		ep.consecFails = 0
		ep.state = StateHealthy
		return
	}

	ep.consecFails++
	if ep.consecFails >= p.opts.BanThreshold {
		ep.state = StateBanned
		p.logger.Warn("endpoint banned",
			"proxy", ep.Host(),
			"consecutive_failures", ep.consecFails,
		)
		return
	}

	cooldown := p.opts.CooldownBase << (ep.consecFails - 1)
	if cooldown > p.opts.CooldownMax || cooldown <= 0 {
		cooldown = p.opts.CooldownMax
	}
	ep.state = StateCooling
	ep.cooldownUntil = p.now().Add(cooldown)
	p.logger.Debug("endpoint cooling down",
		"proxy", ep.Host(),
		"cooldown", cooldown,
		"consecutive_failures", ep.consecFails,
	)
}

// Counts returns the number of endpoints per state, with elapsed
// cooldowns counted as healthy.
func (p *Pool) Counts() (healthy, cooling, banned int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, e := range p.endpoints {
		switch {
		case e.state == StateBanned:
			banned++
		case e.state == StateCooling && now.Before(e.cooldownUntil):
			cooling++
		default:
			healthy++
		}
	}
	return
}

// Size returns the total number of endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}
