package registry

import "errors"

var (
	// ErrTargetNotFound means the start target did not exist at bind time.
	ErrTargetNotFound = errors.New("start target not found")

	// ErrCollision means the requested routing slot is already occupied by a
	// binding with a different start target.
	ErrCollision = errors.New("routing slot already bound to a different start target")

	// ErrNotFound means a binding id did not resolve to a registered binding.
	ErrNotFound = errors.New("no such binding")
)
