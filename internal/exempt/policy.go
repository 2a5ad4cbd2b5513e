// Package exempt decides which accounts bypass credit debits.
//
// Membership is resolved from its sources on every evaluation, so revoking an
// account takes effect on the next debit without a restart.
package exempt

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Source yields the raw identities (account ids or emails) that are exempt.
type Source interface {
	Accounts(ctx context.Context) ([]string, error)
}

// Policy answers exemption questions against a Source.
type Policy struct {
	source Source
}

// NewPolicy builds a policy over src. A nil source exempts nobody.
func NewPolicy(src Source) *Policy {
	return &Policy{source: src}
}

// Set builds a fresh read-only membership set.
func (p *Policy) Set(ctx context.Context) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if p == nil || p.source == nil {
		return set, nil
	}
	accounts, err := p.source.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exempt accounts: %w", err)
	}
	for _, a := range accounts {
		if n := Normalize(a); n != "" {
			set[n] = struct{}{}
		}
	}
	return set, nil
}

// IsExempt reports whether identity is a member. On source failure it
// returns false alongside the error.
func (p *Policy) IsExempt(ctx context.Context, identity string) (bool, error) {
	n := Normalize(identity)
	if n == "" {
		return false, nil
	}
	set, err := p.Set(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[n]
	return ok, nil
}

// Normalize trims and lower-cases an identity for comparison.
func Normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// ParseList splits a comma, semicolon or whitespace separated list.
func ParseList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// StaticSource is a fixed list, typically from configuration.
type StaticSource []string

// Accounts implements Source.
func (s StaticSource) Accounts(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// EnvSource reads a list from an environment variable each time it is asked.
type EnvSource struct {
	Var    string
	Lookup func(string) string
}

// NewEnvSource reads variable from the process environment.
func NewEnvSource(variable string) EnvSource {
	return EnvSource{Var: variable, Lookup: os.Getenv}
}

// Accounts implements Source.
func (e EnvSource) Accounts(context.Context) ([]string, error) {
	if e.Var == "" {
		return nil, nil
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.Getenv
	}
	return ParseList(lookup(e.Var)), nil
}

// MultiSource unions several sources. Any failing source fails the whole read.
type MultiSource []Source

// Accounts implements Source.
func (m MultiSource) Accounts(ctx context.Context) ([]string, error) {
	var out []string
	for _, src := range m {
		if src == nil {
			continue
		}
		accounts, err := src.Accounts(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, accounts...)
	}
	return out, nil
}
