package models

import (
	"fmt"
	"strings"
)

// DefaultName is the public name used when nothing else resolves.
const DefaultName = "gpt-4"

// builtinDefaults is the static table used before any owner catalog is known.
// Order matters: reverse lookups return the first public name for an id.
var builtinDefaults = []Mapping{
	{PublicName: "gpt-4", BackendID: "0x0000000000000000000000000000000000000000000000000000000000000003"},
	{PublicName: "gpt-4o", BackendID: "0x0000000000000000000000000000000000000000000000000000000000000004"},
	{PublicName: "gpt-4o-mini", BackendID: "0x0000000000000000000000000000000000000000000000000000000000000002"},
	{PublicName: "gpt-3.5-turbo", BackendID: "0x0000000000000000000000000000000000000000000000000000000000000001"},
}

// BuiltinDefaults returns a copy of the built-in static table.
func BuiltinDefaults() []Mapping {
	return append([]Mapping(nil), builtinDefaults...)
}

// ParseDefaults parses "name=id" pairs into an ordered table. Duplicate
// names keep their first position.
func ParseDefaults(pairs []string) ([]Mapping, error) {
	out := make([]Mapping, 0, len(pairs))
	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, id, ok := strings.Cut(p, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			return nil, fmt.Errorf("models: invalid default mapping %q, want name=id", p)
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Mapping{PublicName: name, BackendID: id})
	}
	return out, nil
}
