package pipeline

import (
	"cmp"
	"strings"
)

// FlagKind tags the variant of a Flag.
type FlagKind string

const (
	FlagSpecial FlagKind = "special"
	FlagHook    FlagKind = "hook"
	FlagCustom  FlagKind = "custom"
)

// Flag names what fired an invocation: a special tool event, a git hook, or
// a user-defined string. Flags compare structurally.
type Flag struct {
	Kind FlagKind `json:"kind"`
	Name string   `json:"name"`
}

var WatchFlag = Flag{Kind: FlagSpecial, Name: "watch"}

var specialFlags = map[string]Flag{
	WatchFlag.Name: WatchFlag,
}

// GitHooks lists the hook names git can invoke.
var GitHooks = []string{
	"applypatch-msg",
	"pre-applypatch",
	"post-applypatch",
	"pre-commit",
	"pre-merge-commit",
	"prepare-commit-msg",
	"commit-msg",
	"post-commit",
	"pre-rebase",
	"post-checkout",
	"post-merge",
	"pre-push",
	"pre-receive",
	"update",
	"proc-receive",
	"post-receive",
	"post-update",
	"reference-transaction",
	"push-to-checkout",
	"pre-auto-gc",
	"post-rewrite",
	"sendemail-validate",
	"fsmonitor-watchman",
	"post-index-change",
}

var gitHookSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(GitHooks))
	for _, h := range GitHooks {
		m[h] = struct{}{}
	}
	return m
}()

// ParseFlag resolves s as a special flag, then a git hook name (underscores
// are accepted in place of dashes), and falls back to a custom flag.
func ParseFlag(s string) Flag {
	name := strings.TrimSpace(s)
	if f, ok := specialFlags[strings.ToLower(name)]; ok {
		return f
	}
	hook := strings.ReplaceAll(strings.ToLower(name), "_", "-")
	if _, ok := gitHookSet[hook]; ok {
		return Flag{Kind: FlagHook, Name: hook}
	}
	return Flag{Kind: FlagCustom, Name: name}
}

func (f Flag) String() string {
	return f.Name
}

func (f Flag) IsZero() bool {
	return f.Kind == "" && f.Name == ""
}

// Compare orders flags by kind, then name.
func (f Flag) Compare(o Flag) int {
	if c := cmp.Compare(f.Kind, o.Kind); c != 0 {
		return c
	}
	return cmp.Compare(f.Name, o.Name)
}

func (f Flag) MarshalText() ([]byte, error) {
	return []byte(f.Name), nil
}

// UnmarshalText lets flags be written as plain strings in project files.
func (f *Flag) UnmarshalText(text []byte) error {
	*f = ParseFlag(string(text))
	return nil
}
