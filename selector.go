package relay

import "regexp"

// WildcardName is the literal name that normalises to the wildcard
// selector when passed to On.
const WildcardName = "*"

var matchEverything = regexp.MustCompile(`.*`)

// Wildcard matches every event name. It behaves as a pattern selector
// whose pattern matches everything.
var Wildcard = Selector{pattern: matchEverything, wildcard: true}

// Selector identifies the events a subscription or emission targets:
// a literal event name, a compiled pattern, or the wildcard. The zero
// Selector is invalid.
type Selector struct {
	name     string
	pattern  *regexp.Regexp
	wildcard bool
}

// On returns a literal selector for the given event name. The name
// "*" normalises to Wildcard.
func On(name string) Selector {
	if name == WildcardName {
		return Wildcard
	}
	return Selector{name: name}
}

// Pattern returns a pattern selector backed by the given compiled
// regular expression.
func Pattern(re *regexp.Regexp) Selector {
	if re == nil {
		return Selector{}
	}
	return Selector{pattern: re}
}

// MatchExpr compiles expr and returns the resulting pattern selector.
func MatchExpr(expr string) (Selector, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Selector{}, &ValidationError{Op: "selector", Event: expr, Err: ErrInvalidSelector}
	}
	return Selector{pattern: re}, nil
}

// MustMatchExpr is like MatchExpr but panics on an invalid expression.
// Intended for package-level selector variables.
func MustMatchExpr(expr string) Selector {
	sel, err := MatchExpr(expr)
	if err != nil {
		panic(err)
	}
	return sel
}

// IsPattern reports whether the selector is a pattern (including the
// wildcard).
func (s Selector) IsPattern() bool {
	return s.pattern != nil
}

// IsWildcard reports whether the selector is the wildcard.
func (s Selector) IsWildcard() bool {
	return s.wildcard
}

// Name returns the literal event name, or "" for pattern selectors.
func (s Selector) Name() string {
	return s.name
}

// Key returns the canonical registry key: the exact name for literal
// selectors, the pattern source for pattern selectors.
func (s Selector) Key() string {
	if s.pattern != nil {
		return s.pattern.String()
	}
	return s.name
}

// String returns a human-readable form of the selector.
func (s Selector) String() string {
	if s.wildcard {
		return WildcardName
	}
	if s.pattern != nil {
		return "/" + s.pattern.String() + "/"
	}
	return s.name
}

// matches reports whether the selector matches a literal event name.
func (s Selector) matches(name string) bool {
	if s.pattern != nil {
		return s.pattern.MatchString(name)
	}
	return s.name == name
}

// validate rejects the zero selector and empty literal names.
func (s Selector) validate() error {
	if s.pattern == nil && s.name == "" {
		return ErrInvalidSelector
	}
	return nil
}
