package drm

import (
	"errors"
	"fmt"
)

// ErrAlreadySwapped is returned when a buffer is queued while a previous
// flip is still pending. The frame is already on its way to the screen, so
// callers treat this as "nothing to do until the next vblank".
var ErrAlreadySwapped = errors.New("a buffer is already queued for scan-out")

// SwapCause classifies a temporary swap failure. The frame scheduler keys
// its retry decision off this tag directly instead of unwrapping opaque
// errors.
type SwapCause int

const (
	// CauseIO covers generic transient kernel failures; the scheduler
	// retries these on a short timer.
	CauseIO SwapCause = iota
	// CauseDeviceInactive means the session paused the device; rendering
	// resumes on the session's activate signal, never on a timer.
	CauseDeviceInactive
	// CausePermissionDenied is the kernel-side face of a paused session:
	// mode-set ioctls fail with EACCES/EPERM while another session holds
	// the device.
	CausePermissionDenied
)

func (c SwapCause) String() string {
	switch c {
	case CauseDeviceInactive:
		return "device inactive"
	case CausePermissionDenied:
		return "permission denied"
	default:
		return "io"
	}
}

// TemporaryError is a swap failure the compositor can survive.
type TemporaryError struct {
	Cause SwapCause
	Err   error
}

func (e *TemporaryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("temporary swap failure (%s): %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("temporary swap failure (%s)", e.Cause)
}

func (e *TemporaryError) Unwrap() error { return e.Err }

// ContextLostError is fatal: the rendering context and every texture and
// framebuffer derived from it are gone.
type ContextLostError struct {
	Err error
}

func (e *ContextLostError) Error() string {
	return fmt.Sprintf("rendering context lost: %v", e.Err)
}

func (e *ContextLostError) Unwrap() error { return e.Err }

// NewTemporaryError tags err with a cause.
func NewTemporaryError(cause SwapCause, err error) error {
	return &TemporaryError{Cause: cause, Err: err}
}

// IsAlreadySwapped reports whether err is the already-queued condition.
func IsAlreadySwapped(err error) bool {
	return errors.Is(err, ErrAlreadySwapped)
}

// IsContextLost reports whether err is fatal to the rendering loop.
func IsContextLost(err error) bool {
	var cl *ContextLostError
	return errors.As(err, &cl)
}

// IsSuspendInduced reports whether err is a temporary failure caused by the
// session being paused. Such failures are not rescheduled; the resume
// signal restarts rendering.
func IsSuspendInduced(err error) bool {
	var te *TemporaryError
	if !errors.As(err, &te) {
		return false
	}
	return te.Cause == CauseDeviceInactive || te.Cause == CausePermissionDenied
}

// IsTemporary reports whether err is a retryable swap failure.
func IsTemporary(err error) bool {
	var te *TemporaryError
	return errors.As(err, &te)
}
