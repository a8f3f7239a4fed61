package powerwall

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrAuthFailed means the upstream rejected our credentials even after a
	// re-authentication attempt.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrTimeout means the upstream did not answer within the configured
	// timeout.
	ErrTimeout = errors.New("upstream timed out")
	// ErrBadPayload means the upstream answered with something that is not
	// valid JSON.
	ErrBadPayload = errors.New("malformed upstream payload")
	// ErrUnsupported means the endpoint does not exist on this backend, for
	// example vitals on newer firmware or device-only endpoints in cloud mode.
	ErrUnsupported = errors.New("endpoint not supported by backend")
	// ErrUnreachable means the connection to the upstream could not be
	// established at all.
	ErrUnreachable = errors.New("upstream unreachable")
)

// classifyTransportErr maps low-level transport failures onto the sentinel
// errors callers discriminate on.
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Join(ErrTimeout, err)
	}
	return errors.Join(ErrUnreachable, err)
}
