package gateway

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"dnsgate/internal/core"
)

// NetworkError marks a recoverable failure that tears the current session
// down and triggers the backoff/retry cycle. Everything else stays local to
// the unit of work that failed.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return "gateway: " + e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// errInterrupted is returned by the inner loop when the session was
// cancelled from outside. It is the clean-shutdown path, not an error.
var errInterrupted = errors.New("gateway: session interrupted")

// isFatalSendErrno reports whether an upstream send failure means the
// network itself is gone (unreachable, or the socket was denied) rather
// than a problem with one query.
func isFatalSendErrno(err error) bool {
	return errors.Is(err, unix.ENETUNREACH) || errors.Is(err, unix.EPERM)
}

// closeOrWarn closes c and logs the failure instead of propagating it.
func closeOrWarn(c io.Closer, tag, context string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		core.Log.Warnf(tag, "%s: %v", context, err)
	}
}

// closeFD is closeOrWarn for raw descriptors. Negative descriptors are
// ignored so callers can pass an already-invalidated handle.
func closeFD(fd int, tag, context string) {
	if fd < 0 {
		return
	}
	if err := unix.Close(fd); err != nil {
		core.Log.Warnf(tag, "%s: %v", context, err)
	}
}
