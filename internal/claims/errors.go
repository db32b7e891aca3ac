package claims

import "errors"

var (
	// ErrAlreadyClaimed means another master holds (or stole) a claim on
	// at least one of the requested build requests. Expected under
	// multi-master racing; callers skip to the next candidate.
	ErrAlreadyClaimed = errors.New("claims: already claimed")

	// ErrNotClaimed means another owner already completed or claimed a
	// request during what the caller believed was an exclusive
	// operation. The caller's view of state is stale; re-fetch.
	ErrNotClaimed = errors.New("claims: not claimed")
)
