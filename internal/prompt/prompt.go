// Package prompt asks a human whether an unknown host may proceed.
//
// The coordinator only sees the Provider interface. Exec runs a helper
// process, Terminal asks on a terminal, and Fixed answers without asking.
package prompt

import (
	"context"
	"fmt"

	"hostgate/internal/action"
	"hostgate/internal/hostid"
)

// Result is the answer a provider returns.
type Result string

const (
	AllowOnce Result = "allow-once"
	DenyOnce  Result = "deny-once"
	Whitelist Result = "whitelist"
	Blacklist Result = "blacklist"
	Timeout   Result = "timeout"
)

// Choices are the answers a human can give. Timeout is produced by
// providers, never chosen.
var Choices = []Result{AllowOnce, DenyOnce, Whitelist, Blacklist}

// ParseResult accepts any Result, including timeout.
func ParseResult(s string) (Result, bool) {
	switch r := Result(s); r {
	case AllowOnce, DenyOnce, Whitelist, Blacklist, Timeout:
		return r, true
	}
	return "", false
}

// Provider surfaces one prompt. Implementations must stop prompting when ctx
// is done; the caller treats a cancelled context as a timeout.
type Provider interface {
	Prompt(ctx context.Context, host hostid.Identity, act action.Action) (Result, error)
}

// Fixed answers every prompt with the same result.
type Fixed Result

func (f Fixed) Prompt(context.Context, hostid.Identity, action.Action) (Result, error) {
	return Result(f), nil
}

// NewFixed validates name and returns a Fixed provider.
func NewFixed(name string) (Fixed, error) {
	r, ok := ParseResult(name)
	if !ok {
		return "", fmt.Errorf("unknown prompt decision %q", name)
	}
	return Fixed(r), nil
}

func message(host hostid.Identity, act action.Action) string {
	return fmt.Sprintf("%s is attempting action: %s", host, act)
}
