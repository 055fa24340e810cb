// Package action classifies a request line into the fixed set of actions a
// host can be prompted about.
package action

import "strings"

// Action is what a request is trying to do.
type Action string

const (
	Print        Action = "print"
	ConfigRead   Action = "config-read"
	ConfigUpdate Action = "config-update"
	Enumerate    Action = "enumerate"
	Health       Action = "health"
	SettingsUI   Action = "settings-ui"
	Other        Action = "other"
)

var all = []Action{Print, ConfigRead, ConfigUpdate, Enumerate, Health, SettingsUI, Other}

type rule struct {
	prefix string
	action func(method string) Action
}

func always(a Action) func(string) Action {
	return func(string) Action { return a }
}

// Order matters: the first matching prefix wins.
var rules = []rule{
	{"/write", func(method string) Action {
		if method == "POST" {
			return Print
		}
		return Other
	}},
	{"/config", func(method string) Action {
		if method == "GET" {
			return ConfigRead
		}
		return ConfigUpdate
	}},
	{"/available", always(Enumerate)},
	{"/health", always(Health)},
	{"/settings", always(SettingsUI)},
}

// Classify maps a method and path to an Action. It looks at nothing else, and
// anything unrecognized is Other.
func Classify(method, path string) Action {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, r := range rules {
		if strings.HasPrefix(path, r.prefix) {
			return r.action(method)
		}
	}
	return Other
}

// Parse returns the Action named s.
func Parse(s string) (Action, bool) {
	for _, a := range all {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// All lists every Action.
func All() []Action {
	out := make([]Action, len(all))
	copy(out, all)
	return out
}
