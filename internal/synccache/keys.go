package synccache

import "strings"

// GlobalScope tags every amortization related entry.
const GlobalScope = "amortizations"

// Key identifies a cached result: the owning scope, the logical operation and its parameters.
type Key struct {
	Scope  string
	Op     string
	Params []string
}

// NewKey builds a key scoped to a company.
func NewKey(scope, op string, params ...string) Key {
	return Key{Scope: scope, Op: op, Params: params}
}

// String renders the storage key.
func (k Key) String() string {
	parts := make([]string, 0, 3+len(k.Params))
	parts = append(parts, GlobalScope, scopeToken(k.Scope), k.Op)
	parts = append(parts, k.Params...)
	return strings.Join(parts, ":")
}

// Scopes returns the invalidation scopes an entry under k belongs to.
func (k Key) Scopes() []string {
	if k.Scope == "" || k.Scope == GlobalScope {
		return []string{GlobalScope}
	}
	return []string{GlobalScope, k.Scope}
}

func scopeToken(scope string) string {
	if scope == "" {
		return "_"
	}
	return scope
}
