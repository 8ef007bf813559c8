package fanprogress

import "errors"

var (
	// ErrJobDoesNotExist is returned by any operation requiring an existing
	// job record when none exists under the given identifier - including the
	// case where the job completed and was auto-deleted (see WithDeleteWhenDone).
	// It is always recoverable: re-check, re-create via SetTotal, or treat as
	// "job finished and cleaned up".
	ErrJobDoesNotExist = errors.New("fanprogress: job does not exist")

	// ErrInvalidArgument is returned for caller contract violations such as
	// an empty job identifier or a part index outside [0, total).
	ErrInvalidArgument = errors.New("fanprogress: invalid argument")
)
