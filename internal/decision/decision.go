// Package decision holds the outcome of an access check.
package decision

// Type is allow or deny.
type Type string

// Scope says whether a decision was recorded in the access lists.
type Scope string

// Reason explains where a decision came from.
type Reason string

const (
	Allow Type = "allow"
	Deny  Type = "deny"
)

const (
	// Once applies only to the requests waiting when the decision was made.
	Once Scope = "once"
	// Permanent decisions are backed by the access lists.
	Permanent Scope = "permanent"
)

const (
	ReasonBypass      Reason = "bypass"
	ReasonLoopback    Reason = "loopback"
	ReasonWhitelist   Reason = "whitelist"
	ReasonBlacklist   Reason = "blacklist"
	ReasonAllowOnce   Reason = "allow-once"
	ReasonDenyOnce    Reason = "deny-once"
	ReasonTimeout     Reason = "timeout"
	ReasonPromptError Reason = "prompt-error"
)

// Decision is the result handed back to the transport layer.
type Decision struct {
	Type   Type   `json:"type"`
	Scope  Scope  `json:"scope"`
	Reason Reason `json:"reason"`
}

var (
	Bypass      = Decision{Type: Allow, Scope: Permanent, Reason: ReasonBypass}
	Loopback    = Decision{Type: Allow, Scope: Permanent, Reason: ReasonLoopback}
	Whitelisted = Decision{Type: Allow, Scope: Permanent, Reason: ReasonWhitelist}
	Blacklisted = Decision{Type: Deny, Scope: Permanent, Reason: ReasonBlacklist}
	AllowedOnce = Decision{Type: Allow, Scope: Once, Reason: ReasonAllowOnce}
	DeniedOnce  = Decision{Type: Deny, Scope: Once, Reason: ReasonDenyOnce}
	TimedOut    = Decision{Type: Deny, Scope: Once, Reason: ReasonTimeout}
	PromptError = Decision{Type: Deny, Scope: Once, Reason: ReasonPromptError}
)

func (d Decision) Allowed() bool { return d.Type == Allow }

func (d Decision) String() string {
	return string(d.Type) + "/" + string(d.Scope) + "/" + string(d.Reason)
}
