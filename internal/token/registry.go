package token

import (
	"fmt"
	"strings"
)

// Registry maps token contract addresses on the configured chain to types.
type Registry struct {
	byAddress map[string]Type
	byType    map[Type]string
}

// NewRegistry builds a registry from type -> contract address. Empty
// addresses are skipped so a deployment can support a subset of tokens.
func NewRegistry(contracts map[Type]string) (*Registry, error) {
	r := &Registry{
		byAddress: make(map[string]Type),
		byType:    make(map[Type]string),
	}
	for t, addr := range contracts {
		if addr == "" {
			continue
		}
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownToken, t)
		}
		a := strings.ToLower(addr)
		r.byAddress[a] = t
		r.byType[t] = a
	}
	return r, nil
}

// Lookup resolves a contract address (any case) to its token type.
func (r *Registry) Lookup(contract string) (Type, bool) {
	t, ok := r.byAddress[strings.ToLower(contract)]
	return t, ok
}

// Address returns the lowercase contract address for t.
func (r *Registry) Address(t Type) (string, bool) {
	a, ok := r.byType[t]
	return a, ok
}
