package talentbridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNoToken is returned when an operation needs a session token and none is stored.
	ErrNoToken = errors.New("no session token")

	// ErrDecode marks a token whose claims could not be read.
	ErrDecode = errors.New("token decode failed")

	// ErrSessionExpired is matched by every terminal refresh failure.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionEnded is returned to requests whose refresh settled after a
	// logout or a new login replaced the session it was started for.
	ErrSessionEnded = errors.New("session ended during refresh")

	// ErrNotConnected is returned by realtime writes while no socket is open.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrClosed is returned once a realtime manager has been told to disconnect.
	ErrClosed = errors.New("realtime: manager closed")
)

// DecodeError describes a token that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode token: %s: %v", e.Reason, e.Err)
	}
	return "decode token: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// RefreshError is returned when the refresh endpoint itself failed. It is the
// only error that ends a session.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return "refresh endpoint: " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == ErrSessionExpired }

// IsRefreshFailure reports whether err originated at the refresh endpoint.
func IsRefreshFailure(err error) bool {
	var re *RefreshError
	return errors.As(err, &re)
}
