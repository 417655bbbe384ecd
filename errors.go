package scopeacq

import (
	"errors"
	"fmt"
)

// Sentinel errors of the read protocol.
var (
	ErrSampleNotReady = errors.New("sample not ready")
	ErrReadTimeout    = errors.New("timed out waiting for device data")
	ErrTooManySamples = errors.New("device supplied more samples than requested")
)

// ConfigurationError reports an invalid setting, or a setting the device rejected.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: %s=%v", e.Field, e.Value)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configError(field string, value any, format string, args ...any) error {
	return &ConfigurationError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// DeviceCommunicationError reports a failed read or write to the HardwareSession.
// Channel is 0 when the operation is not specific to a channel.
type DeviceCommunicationError struct {
	Op      string
	Channel int
	Err     error
}

func (e *DeviceCommunicationError) Error() string {
	if e.Channel > 0 {
		return fmt.Sprintf("device %s (channel %d): %v", e.Op, e.Channel, e.Err)
	}
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceCommunicationError) Unwrap() error { return e.Err }

// deviceError wraps err as a DeviceCommunicationError, or returns nil if err is nil.
func deviceError(op string, channel int, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceCommunicationError{Op: op, Channel: channel, Err: err}
}
