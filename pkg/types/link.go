package types

import "reflect"

// Link is a typed reference field for host structs: it stores the target
// object id and, after a load that reached the target, the target value.
type Link[T any] struct {
	ID    string
	Value *T
}

// LinkTo returns an id-only link.
func LinkTo[T any](id string) Link[T] {
	return Link[T]{ID: id}
}

// LinkTarget returns the referenced host type. Reflection-based
// descriptors use it to find the target scheme.
func (Link[T]) LinkTarget() reflect.Type {
	return reflect.TypeFor[T]()
}

// Loaded reports whether Value was materialized.
func (l Link[T]) Loaded() bool {
	return l.Value != nil
}
