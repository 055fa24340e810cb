// Package gate is the request-time entry point of the access check.
//
// Evaluate walks a request through, in order: excluded paths, loopback,
// the deny list, the allow list, and finally the pending-decision
// coordinator, which prompts a human once per undecided host.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"hostgate/internal/accesslist"
	"hostgate/internal/action"
	"hostgate/internal/audit"
	"hostgate/internal/decision"
	"hostgate/internal/hostid"
	"hostgate/internal/pending"
	"hostgate/internal/prompt"
)

type Config struct {
	// Excluded are path prefixes or doublestar patterns that skip the gate.
	Excluded []string
	KeepPort bool
	Audit    *audit.Log
	Logger   *slog.Logger
}

type Gate struct {
	normalizer hostid.Normalizer
	excluded   []string
	lists      *accesslist.Store
	pending    *pending.Coordinator
	audit      *audit.Log
	logger     *slog.Logger
}

// State is the read-only view exposed to management tooling.
type State struct {
	Allow   []string        `json:"allow"`
	Deny    []string        `json:"deny"`
	Pending []pending.Entry `json:"pending"`
}

func New(lists *accesslist.Store, coordinator *pending.Coordinator, cfg Config) (*Gate, error) {
	if lists == nil || coordinator == nil {
		return nil, fmt.Errorf("gate: lists and coordinator are required")
	}
	for _, p := range cfg.Excluded {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("gate: invalid excluded path pattern %q", p)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{
		normalizer: hostid.Normalizer{KeepPort: cfg.KeepPort},
		excluded:   append([]string(nil), cfg.Excluded...),
		lists:      lists,
		pending:    coordinator,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
	}, nil
}

// Host normalizes a raw Origin, Referer or remote address.
func (g *Gate) Host(raw string) hostid.Identity {
	return g.normalizer.Normalize(raw)
}

// CleanPath resolves dot segments and duplicate slashes so that
// "/settings/../write" is judged as "/write". A trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// Excluded reports whether p bypasses the gate. A plain prefix only matches
// whole path segments: "/settings" covers "/settings/network" but not
// "/settingsx".
func (g *Gate) Excluded(p string) bool {
	p = CleanPath(p)
	for _, ex := range g.excluded {
		prefix := strings.TrimSuffix(ex, "/")
		if p == ex || p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
		if ok, _ := doublestar.Match(ex, p); ok {
			return true
		}
	}
	return false
}

// Evaluate decides whether a request may proceed. It never fails: every
// error on the way resolves to a deny decision. It blocks while a prompt for
// the host is outstanding.
func (g *Gate) Evaluate(ctx context.Context, rawHost, method, path string) decision.Decision {
	path = CleanPath(path)
	if g.Excluded(path) {
		return decision.Bypass
	}

	host := g.Host(rawHost)
	if host.IsLoopback() {
		return decision.Loopback
	}

	act := action.Classify(method, path)
	var d decision.Decision
	switch {
	case g.lists.IsDenied(host):
		g.logger.Warn("security blocked", "host", string(host), "action", string(act), "reason", string(decision.ReasonBlacklist))
		d = decision.Blacklisted
	case g.lists.IsAllowed(host):
		g.logger.Debug("security allowed", "host", string(host), "action", string(act), "reason", string(decision.ReasonWhitelist))
		d = decision.Whitelisted
	default:
		d = g.pending.Resolve(ctx, host, act)
	}

	g.audit.Record(audit.Entry{
		Host:     string(host),
		Action:   string(act),
		Method:   method,
		Path:     path,
		Source:   audit.SourceRequest,
		Decision: string(d.Type),
		Scope:    string(d.Scope),
		Reason:   string(d.Reason),
	})
	return d
}

// Decide records a decision made outside a prompt. A pending entry for the
// host is resolved with it; otherwise whitelist and blacklist go straight
// to the lists and the once decisions have nothing to apply to, so they are
// neither applied nor audited.
func (g *Gate) Decide(rawHost string, r prompt.Result) (hostid.Identity, bool) {
	host := g.Host(rawHost)
	resolved := g.pending.Decide(host, r)
	d := pending.DecisionFor(r)
	if !resolved {
		switch r {
		case prompt.Whitelist:
			g.lists.Allow(host)
		case prompt.Blacklist:
			g.lists.Deny(host)
		default:
			g.logger.Debug("security decision not applied", "host", string(host), "decision", string(r), "reason", "nothing pending")
			return host, false
		}
	}

	g.audit.Record(audit.Entry{
		Host:     string(host),
		Source:   audit.SourceManagement,
		Decision: string(d.Type),
		Scope:    string(d.Scope),
		Reason:   string(d.Reason),
	})
	return host, resolved
}

func (g *Gate) Unallow(rawHost string) hostid.Identity {
	host := g.Host(rawHost)
	g.lists.Unallow(host)
	return host
}

func (g *Gate) Undeny(rawHost string) hostid.Identity {
	host := g.Host(rawHost)
	g.lists.Undeny(host)
	return host
}

func (g *Gate) State() State {
	lists := g.lists.Snapshot()
	return State{
		Allow:   lists.Allow,
		Deny:    lists.Deny,
		Pending: g.pending.Snapshot(),
	}
}
