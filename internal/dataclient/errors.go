package dataclient

import (
	"context"
	"errors"
	"fmt"
)

// RemoteFetchError is a failed call to the data collaborator. It is
// recoverable: callers degrade the affected feature and carry on.
type RemoteFetchError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *RemoteFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

// IsAbort reports whether err comes from a cancelled request. Aborts are
// expected and never logged as failures.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}
