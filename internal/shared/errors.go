package shared

import "errors"

var (
	// ErrActorMissing occurs when a request carries no acting user.
	ErrActorMissing = errors.New("actor id missing")
	// ErrActorInvalid occurs when the acting user header is not a positive id.
	ErrActorInvalid = errors.New("actor id invalid")
)
