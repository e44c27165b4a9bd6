package plate

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned for caller-supplied values out of range,
// such as a non-positive list limit or an empty plate.
var ErrInvalidArgument = errors.New("invalid argument")

// DecodeError reports a malformed or incomplete inbound message. Raw holds the
// payload as received so it can be logged.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Raw, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StorageError wraps a failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConnectionError reports that the event source could not be reached.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsInvalidArgument reports whether err was caused by a bad caller value.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
