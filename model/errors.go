package model

import "errors"

// Failure taxonomy shared by the fetcher, the writer and the orchestrator.
// Callers wrap these with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrEmptyArchive        = errors.New("empty archive")
	ErrIOFailure           = errors.New("io failure")
)

// Kind returns the taxonomy sentinel err belongs to, or nil when err is nil
// or unclassified.
func Kind(err error) error {
	for _, kind := range []error{ErrInvalidArgument, ErrUpstreamUnavailable, ErrEmptyArchive, ErrIOFailure} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
