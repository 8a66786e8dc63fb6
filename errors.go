package mq

import (
	"errors"
	"fmt"
)

// Sentinel errors naming connection and subscription failures. Nothing in
// this module returns them.
var (
	// ErrConnectionRefused names a connection the server rejected.
	ErrConnectionRefused = errors.New("connection refused")

	// Specific connection refusal reasons (v3.1.1)
	ErrUnacceptableProtocolVersion = errors.New("unacceptable protocol version")
	ErrIdentifierRejected          = errors.New("identifier rejected")
	ErrServerUnavailable           = errors.New("server unavailable")
	ErrBadUsernameOrPassword       = errors.New("bad username or password")
	ErrNotAuthorized               = errors.New("not authorized")

	// ErrSubscriptionFailed names a subscription the server rejected.
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrClientDisconnected names an operation cancelled because the client
	// was disconnected or stopped.
	ErrClientDisconnected = errors.New("client disconnected")
)

// Broker-side typed error hierarchy. §7 of the design maps each of these
// onto a wire response (CONNACK/DISCONNECT/SUBACK reason code) at the
// point where a packet handler returns one, rather than threading reason
// codes through every internal call.
type (
	// ProtocolError means the peer violated the MQTT wire protocol
	// (malformed packet, invalid flags, reused packet ID). Always fatal:
	// the session is disconnected with the mapped reason code.
	ProtocolError struct {
		Reason  uint8
		Message string
	}

	// AuthError means mayConnect or mayAct refused the operation.
	AuthError struct {
		Reason  uint8
		Message string
	}

	// ResourceError means a configured limit was hit (quota, rate,
	// maximum packet size, receive-maximum backpressure).
	ResourceError struct {
		Reason  uint8
		Message string
	}

	// StorageTransientError wraps a retryable failure from a pluggable
	// store (badger/sqlx/redis/nats). Callers should retry with backoff
	// rather than fail the operation outright.
	StorageTransientError struct {
		Message string
		Parent  error
	}

	// InternalError means an invariant the broker itself should have
	// upheld was violated; it is always a bug, not a client mistake.
	InternalError struct {
		Message string
		Parent  error
	}
)

func (e *ProtocolError) Error() string { return "protocol error: " + e.Message }
func (e *AuthError) Error() string     { return "auth error: " + e.Message }
func (e *ResourceError) Error() string { return "resource error: " + e.Message }

func (e *StorageTransientError) Error() string {
	if e.Parent != nil {
		return "storage transient error: " + e.Message + ": " + e.Parent.Error()
	}
	return "storage transient error: " + e.Message
}
func (e *StorageTransientError) Unwrap() error { return e.Parent }

func (e *InternalError) Error() string {
	if e.Parent != nil {
		return "internal error: " + e.Message + ": " + e.Parent.Error()
	}
	return "internal error: " + e.Message
}
func (e *InternalError) Unwrap() error { return e.Parent }

// MqttError represents an error returned by the MQTT server, including
// the MQTT v5.0 reason code.
type MqttError struct {
	ReasonCode ReasonCode
	Message    string
	Parent     error
}

func (e *MqttError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mqtt error (0x%02X): %s", uint8(e.ReasonCode), e.Message)
	}
	if e.Parent != nil {
		return fmt.Sprintf("mqtt error (0x%02X): %s", uint8(e.ReasonCode), e.Parent.Error())
	}
	return fmt.Sprintf("mqtt error (0x%02X)", uint8(e.ReasonCode))
}

func (e *MqttError) Unwrap() error {
	return e.Parent
}

// Is implements the errors.Is interface, allowing checks against ReasonCode constants.
func (e *MqttError) Is(target error) bool {
	if rc, ok := target.(ReasonCode); ok {
		return e.ReasonCode == rc
	}
	return false
}
