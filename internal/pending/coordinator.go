// Package pending coalesces concurrent requests from hosts that have no
// recorded decision.
//
// The first request from an undecided host creates an entry and starts one
// prompt. Requests that arrive while the entry exists join it as waiters and
// never start a prompt of their own. When the prompt finishes, times out or
// is answered through Decide, every waiter gets the same Decision and the
// entry is removed. The next request after that starts over.
package pending

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hostgate/internal/action"
	"hostgate/internal/decision"
	"hostgate/internal/hostid"
	"hostgate/internal/prompt"
)

// DefaultTimeout bounds a prompt when Config.Timeout is zero.
const DefaultTimeout = 32 * time.Second

// Lists receives permanent decisions.
type Lists interface {
	Allow(host hostid.Identity)
	Deny(host hostid.Identity)
}

type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Entry is the observable part of a pending host.
type Entry struct {
	Host        string        `json:"host"`
	FirstSeen   time.Time     `json:"firstSeen"`
	LastAttempt time.Time     `json:"lastAttempt"`
	Attempts    int           `json:"attempts"`
	Action      action.Action `json:"action"`
	Prompted    bool          `json:"prompted"`
	Waiting     int           `json:"waiting"`
}

type entry struct {
	host        hostid.Identity
	firstSeen   time.Time
	lastAttempt time.Time
	attempts    int
	action      action.Action
	prompted    bool
	resolved    bool
	cancel      context.CancelFunc
	// Each waiter has room for exactly one decision, so delivery never
	// blocks even if the waiter already gave up.
	waiters []chan decision.Decision
}

type Coordinator struct {
	provider prompt.Provider
	lists    Lists
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[hostid.Identity]*entry
}

func New(provider prompt.Provider, lists Lists, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		provider: provider,
		lists:    lists,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		now:      cfg.Now,
		entries:  make(map[hostid.Identity]*entry),
	}
}

// Resolve blocks until the pending entry for host is decided. Only the
// caller that finds the entry unprompted starts the prompt. If ctx ends
// first this caller alone gets a timeout decision; the entry and the other
// waiters are unaffected.
func (c *Coordinator) Resolve(ctx context.Context, host hostid.Identity, act action.Action) decision.Decision {
	ch := make(chan decision.Decision, 1)

	c.mu.Lock()
	now := c.now()
	e, ok := c.entries[host]
	if !ok {
		e = &entry{
			host:        host,
			firstSeen:   now,
			lastAttempt: now,
			action:      act,
		}
		c.entries[host] = e
		c.logger.Info("security pending created", "host", string(host), "action", string(act))
	} else {
		e.attempts++
		e.lastAttempt = now
	}
	e.waiters = append(e.waiters, ch)
	first := !e.prompted
	e.prompted = true
	c.mu.Unlock()

	if first {
		go c.prompt(e)
	} else {
		c.logger.Debug("security pending joined", "host", string(host), "action", string(act))
	}

	select {
	case d := <-ch:
		return d
	case <-ctx.Done():
		c.logger.Warn("security waiter gave up", "host", string(host), "error", ctx.Err())
		return decision.TimedOut
	}
}

type outcome struct {
	result prompt.Result
	err    error
}

func (c *Coordinator) prompt(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.mu.Lock()
	if e.resolved {
		c.mu.Unlock()
		return
	}
	e.cancel = cancel
	c.mu.Unlock()

	done := make(chan outcome, 1)
	go func() {
		r, err := c.provider.Prompt(ctx, e.host, e.action)
		done <- outcome{result: r, err: err}
	}()

	var d decision.Decision
	select {
	case o := <-done:
		d = c.decide(ctx, e, o)
	case <-ctx.Done():
		// A result arriving after this point lands in done and is dropped.
		d = c.expired(ctx, e)
	}
	c.finish(e, d)
}

func (c *Coordinator) decide(ctx context.Context, e *entry, o outcome) decision.Decision {
	if o.err != nil {
		if ctx.Err() != nil || errors.Is(o.err, context.DeadlineExceeded) {
			return c.expired(ctx, e)
		}
		c.logger.Error("security prompt failed", "host", string(e.host), "action", string(e.action), "error", o.err)
		return decision.PromptError
	}
	return DecisionFor(o.result)
}

func (c *Coordinator) expired(ctx context.Context, e *entry) decision.Decision {
	if errors.Is(ctx.Err(), context.Canceled) {
		// Decide already answered this entry; finish will ignore us.
		return decision.DeniedOnce
	}
	c.logger.Warn("security prompt timeout", "host", string(e.host), "action", string(e.action), "timeout", c.timeout)
	return decision.TimedOut
}

// DecisionFor maps a prompt answer to the decision it produces.
func DecisionFor(r prompt.Result) decision.Decision {
	switch r {
	case prompt.Whitelist:
		return decision.Whitelisted
	case prompt.Blacklist:
		return decision.Blacklisted
	case prompt.AllowOnce:
		return decision.AllowedOnce
	case prompt.Timeout:
		return decision.TimedOut
	default:
		return decision.DeniedOnce
	}
}

// finish delivers d to every waiter of e exactly once. A second call for the
// same entry is a no-op. Waiters that join between the resolved mark and the
// removal from the table are still included.
func (c *Coordinator) finish(e *entry, d decision.Decision) bool {
	c.mu.Lock()
	if e.resolved {
		c.mu.Unlock()
		return false
	}
	e.resolved = true
	cancel := e.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if d.Scope == decision.Permanent && c.lists != nil {
		if d.Type == decision.Allow {
			c.lists.Allow(e.host)
		} else {
			c.lists.Deny(e.host)
		}
	}

	c.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	if c.entries[e.host] == e {
		delete(c.entries, e.host)
	}
	c.mu.Unlock()

	c.logger.Info("security decision",
		"host", string(e.host),
		"action", string(e.action),
		"decision", string(d.Type),
		"scope", string(d.Scope),
		"reason", string(d.Reason),
		"waiters", len(waiters),
	)
	for _, w := range waiters {
		w <- d
	}
	return true
}

// Decide answers the pending entry for host from outside the prompt, for
// example from the management API. The running prompt is cancelled. It
// reports whether an entry was pending.
func (c *Coordinator) Decide(host hostid.Identity, r prompt.Result) bool {
	c.mu.Lock()
	e, ok := c.entries[host]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.finish(e, DecisionFor(r))
}

// Snapshot lists pending hosts ordered by first sighting.
func (c *Coordinator) Snapshot() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, Entry{
			Host:        string(e.host),
			FirstSeen:   e.firstSeen,
			LastAttempt: e.lastAttempt,
			Attempts:    e.attempts,
			Action:      e.action,
			Prompted:    e.prompted,
			Waiting:     len(e.waiters),
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].Host < out[j].Host
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}
