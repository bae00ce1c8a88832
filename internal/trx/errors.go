package trx

import "github.com/pkg/errors"

// Error kinds. Errors returned by this package match one of them with
// errors.Is.
var (
	ErrDeviceUnavailable     = errors.New("device unavailable")
	ErrDriverNotFound        = errors.New("driver not found")
	ErrDriverFault           = errors.New("driver fault")
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrDeviceTimeout         = errors.New("device timeout")
	ErrDeviceIO              = errors.New("device i/o error")
	ErrControllerClosed      = errors.New("controller closed")
	ErrProtocol              = errors.New("protocol error")
)

// Outer kinds first: a fault or a close caused by an i/o error reports as
// the former.
var codes = []struct {
	err  error
	code string
}{
	{ErrDriverFault, "DriverFault"},
	{ErrControllerClosed, "ControllerClosed"},
	{ErrDeviceUnavailable, "DeviceUnavailable"},
	{ErrDriverNotFound, "DriverNotFound"},
	{ErrUnsupportedCapability, "UnsupportedCapability"},
	{ErrDeviceTimeout, "DeviceTimeout"},
	{ErrDeviceIO, "DeviceIOError"},
	{ErrProtocol, "ProtocolError"},
}

// Code maps err to its wire code. Errors of unknown origin are reported as
// driver faults; nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "DriverFault"
}

// kindError tags a cause with one of the error kinds while keeping the cause
// reachable for errors.Is/As.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }

func tag(kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, cause: cause}
}

// classify turns an error returned from a driver operation into one of the
// device kinds. Port failures were tagged by the port wrapper already.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeviceIO), errors.Is(err, ErrDeviceTimeout),
		errors.Is(err, ErrUnsupportedCapability), errors.Is(err, ErrProtocol):
		return err
	default:
		return tag(ErrDriverFault, err)
	}
}
