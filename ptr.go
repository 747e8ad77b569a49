package stash

// ptr returns a pointer to v.
// It is used for creating pointer to const and untyped values in updaters,
// which cannot take their address directly.
func ptr[T any](v T) *T {
	return &v
}
