package modifiers

import (
	"errors"
	"fmt"
	"strings"
)

// MaxTypes bounds the number of declared modifier types; every scope carries
// one cache slot per declared type.
const MaxTypes = 512

// TypeID indexes a declared modifier type.
type TypeID uint16

var (
	ErrUnknownType  = errors.New("modifiers: unknown modifier type")
	ErrTooManyTypes = errors.New("modifiers: too many modifier types")
)

// Registry maps modifier type names to dense ids in declaration order. It is
// built once at startup and read-only afterwards.
type Registry struct {
	names  []string
	byName map[string]TypeID
}

func NewRegistry(names ...string) (*Registry, error) {
	if len(names) > MaxTypes {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTypes, len(names), MaxTypes)
	}
	r := &Registry{
		names:  make([]string, 0, len(names)),
		byName: make(map[string]TypeID, len(names)),
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, fmt.Errorf("modifiers: empty type name")
		}
		if _, dup := r.byName[n]; dup {
			return nil, fmt.Errorf("modifiers: duplicate type %q", n)
		}
		r.byName[n] = TypeID(len(r.names))
		r.names = append(r.names, n)
	}
	return r, nil
}

func (r *Registry) Len() int { return len(r.names) }

func (r *Registry) Lookup(name string) (TypeID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

func (r *Registry) MustLookup(name string) TypeID {
	id, ok := r.byName[name]
	if !ok {
		panic(fmt.Sprintf("modifiers: unknown type %q", name))
	}
	return id
}

func (r *Registry) Name(id TypeID) string {
	if int(id) >= len(r.names) {
		return ""
	}
	return r.names[id]
}

// Names returns the declared names in id order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
