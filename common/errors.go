package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across transports.
var (
	// ErrUnconnected means a publish was attempted on a device with no
	// live transport.
	ErrUnconnected = errors.New("no live transport for device")

	// ErrCancelled rejects pending calls on queue clear or shutdown.
	ErrCancelled = errors.New("call cancelled")

	// ErrNotLoggedIn means the manager has no authenticated session.
	ErrNotLoggedIn = errors.New("not logged in")
)

// CommandTimeoutError means no reply arrived within the deadline.
type CommandTimeoutError struct {
	DeviceUUID string
	Timeout    time.Duration
	Command    string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %s on device %s timed out after %s", e.Command, e.DeviceUUID, e.Timeout)
}

// CommandError is a device-side failure, method=ERROR with the device's
// error payload attached verbatim.
type CommandError struct {
	DeviceUUID string
	Payload    json.RawMessage
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("device %s returned error: %s", e.DeviceUUID, e.Payload)
}

// MqttError is a broker-level failure: connect timeout, publish error
// or an unexpected reply method.
type MqttError struct {
	Reason string
	Err    error
}

func (e *MqttError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mqtt: %s: %s", e.Reason, e.Err)
	}
	return "mqtt: " + e.Reason
}

func (e *MqttError) Unwrap() error { return e.Err }

// NetworkTimeoutError means an HTTP or LAN transport deadline elapsed.
type NetworkTimeoutError struct {
	Address string
	Timeout time.Duration
}

func (e *NetworkTimeoutError) Error() string {
	return fmt.Sprintf("network timeout after %s talking to %s", e.Timeout, e.Address)
}
