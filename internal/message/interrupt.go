package message

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isInterrupted reports whether err wraps EINTR, the signal-interrupted
// read spec.md requires callers to retry rather than treat as fatal.
func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
