// Package entity defines the managed-resource surface the workflow engine
// runs against, and an in-memory implementation of it.
package entity

import (
	"context"
)

// Entity is a managed resource: live attributes (sensors), configuration,
// a parent/child hierarchy and invocable effectors.
type Entity interface {
	ID() string
	DisplayName() string
	Parent() Entity
	Children() []Entity

	// Attribute returns the current value without blocking.
	Attribute(name string) (any, bool)
	// WaitAttribute blocks until the attribute holds a ready value or ctx ends.
	WaitAttribute(ctx context.Context, name string) (any, error)
	// SetAttribute stores value and returns the previous one.
	SetAttribute(ctx context.Context, name string, value any) any
	// CompareAndSetAttribute stores value only if the current value equals
	// expected (absent counts as nil). It returns the value seen.
	CompareAndSetAttribute(ctx context.Context, name string, expected, value any) (bool, any)
	ClearAttribute(ctx context.Context, name string)
	Attributes() map[string]any

	Config(name string) (any, bool)
	SetConfig(name string, value any)

	InvokeEffector(ctx context.Context, name string, params map[string]any) (any, error)
	Effectors() []string
}

// EffectorFunc is the body of an effector bound to an entity.
type EffectorFunc func(ctx context.Context, target Entity, params map[string]any) (any, error)

// IsReady reports whether a value counts as available for blocking reads.
func IsReady(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	default:
		return true
	}
}

// Find returns the entity with the given id in the tree rooted at root.
func Find(root Entity, id string) Entity {
	if root == nil {
		return nil
	}
	if root.ID() == id {
		return root
	}
	for _, c := range root.Children() {
		if found := Find(c, id); found != nil {
			return found
		}
	}
	return nil
}
