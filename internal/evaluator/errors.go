package evaluator

import "github.com/rotisserie/eris"

// Sentinel failure classes for a single category evaluation. All three are
// recoverable by retry; none abort the evaluation of other categories.
var (
	// ErrUpstreamUnavailable indicates the scoring service could not be
	// reached or returned a server-side error.
	ErrUpstreamUnavailable = eris.New("scoring service unavailable")

	// ErrTimeout indicates the scoring call exceeded its deadline.
	ErrTimeout = eris.New("scoring call timed out")

	// ErrMalformedResponse indicates the scoring service responded but no
	// score could be extracted from the payload.
	ErrMalformedResponse = eris.New("malformed scoring response")
)
