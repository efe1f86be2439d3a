package qemuconfig

import "strings"

// TokenEntry binds one variant to its spelling in a launch script. Token is
// what the writer emits; Aliases are extra spellings the reader accepts.
type TokenEntry[T comparable] struct {
	Value   T
	Token   string
	Aliases []string
}

func (e TokenEntry[T]) spellings() []string {
	return append([]string{e.Token}, e.Aliases...)
}

// TokenTable is the single mapping between a closed set of variants and their
// script text. The extractor reads through it and the rewriter writes through
// it, so the two sides agree on every spelling.
type TokenTable[T comparable] struct {
	entries []TokenEntry[T]
}

func NewTokenTable[T comparable](entries ...TokenEntry[T]) TokenTable[T] {
	return TokenTable[T]{entries: entries}
}

// Entries returns the table in declaration order.
func (t TokenTable[T]) Entries() []TokenEntry[T] {
	out := make([]TokenEntry[T], len(t.entries))
	copy(out, t.entries)
	return out
}

// Token returns the canonical spelling for v.
func (t TokenTable[T]) Token(v T) (string, bool) {
	for _, e := range t.entries {
		if e.Value == v {
			return e.Token, true
		}
	}
	return "", false
}

// Lookup resolves an exact spelling (token or alias) to its variant.
func (t TokenTable[T]) Lookup(s string) (T, bool) {
	for _, e := range t.entries {
		for _, sp := range e.spellings() {
			if sp == s {
				return e.Value, true
			}
		}
	}
	var zero T
	return zero, false
}

// LookupFold is Lookup with ASCII case folding.
func (t TokenTable[T]) LookupFold(s string) (T, bool) {
	for _, e := range t.entries {
		for _, sp := range e.spellings() {
			if strings.EqualFold(sp, s) {
				return e.Value, true
			}
		}
	}
	var zero T
	return zero, false
}

// Contains reports every variant whose token or alias occurs as a substring
// of s, in table order.
func (t TokenTable[T]) Contains(s string) []T {
	var out []T
	for _, e := range t.entries {
		for _, sp := range e.spellings() {
			if strings.Contains(s, sp) {
				out = append(out, e.Value)
				break
			}
		}
	}
	return out
}
