package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConfiguration = errors.New("rabbitrpc: invalid configuration")
	ErrFormat        = errors.New("rabbitrpc: message formatting failed")
	ErrPublish       = errors.New("rabbitrpc: publish failed")
	ErrTimeout       = errors.New("rabbitrpc: no reply within timeout")
	ErrBroker        = errors.New("rabbitrpc: broker error while waiting for reply")

	// ErrDuplicateCorrelationID is returned when a correlation id is already outstanding
	ErrDuplicateCorrelationID = errors.New("rabbitrpc: correlation id already outstanding")
	// ErrNoCollector is returned when a reply is expected but no collector is configured
	ErrNoCollector = errors.New("rabbitrpc: no reply collector configured")
)

// ConfigurationError reports a malformed endpoint address or property
type ConfigurationError struct {
	Property string
	Value    string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rabbitrpc configuration error: %s=%q: %v", e.Property, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) IsRetryable() bool { return false }

// FormatError reports a body serialization or parsing failure
type FormatError struct {
	ContentType string
	Op          string
	Err         error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("rabbitrpc format error: %s %s: %v", e.Op, e.ContentType, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

func (e *FormatError) IsRetryable() bool { return false }

// PublishError reports a publish the broker rejected or that failed on the wire
type PublishError struct {
	Exchange      string
	RoutingKey    string
	CorrelationID string
	Err           error
	Timestamp     time.Time
}

func (e *PublishError) Error() string {
	exchange := e.Exchange
	if exchange == "" {
		exchange = "(default)"
	}
	return fmt.Sprintf("rabbitrpc publish error: failed to publish to %s/%s (correlationId=%s): %v",
		exchange, e.RoutingKey, e.CorrelationID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool { return target == ErrPublish }

func (e *PublishError) IsRetryable() bool { return false }

// TimeoutError reports that no correlated reply arrived before the deadline
type TimeoutError struct {
	CorrelationID string
	ReplyTo       string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rabbitrpc timeout: no reply for correlationId=%s on %s within %v",
		e.CorrelationID, e.ReplyTo, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsRetryable lets callers retry a timed-out call with a fresh correlation id
func (e *TimeoutError) IsRetryable() bool { return true }

// BrokerErrorReason says why waiting for a reply stopped
type BrokerErrorReason int

const (
	// ReasonShutdown means the broker closed the channel or connection
	ReasonShutdown BrokerErrorReason = iota
	// ReasonConsumerCancelled means the broker cancelled the reply consumer
	ReasonConsumerCancelled
	// ReasonInterrupted means the wait was cancelled by the caller or the collector was closed
	ReasonInterrupted
	// ReasonAcknowledge means the matching delivery could not be acknowledged
	ReasonAcknowledge
)

func (r BrokerErrorReason) String() string {
	switch r {
	case ReasonShutdown:
		return "shutdown"
	case ReasonConsumerCancelled:
		return "consumer cancelled"
	case ReasonInterrupted:
		return "interrupted"
	case ReasonAcknowledge:
		return "acknowledge failed"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// BrokerError reports a transport failure while a caller waited for its reply
type BrokerError struct {
	Reason        BrokerErrorReason
	CorrelationID string
	ReplyTo       string
	Err           error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("rabbitrpc broker error: %s while waiting for correlationId=%s on %s: %v",
		e.Reason, e.CorrelationID, e.ReplyTo, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

func (e *BrokerError) Is(target error) bool { return target == ErrBroker }

func (e *BrokerError) IsRetryable() bool { return false }

// withCorrelation returns a copy addressed to one waiter
func (e *BrokerError) withCorrelation(correlationID string) *BrokerError {
	cp := *e
	cp.CorrelationID = correlationID
	return &cp
}

// IsTimeout reports whether err is a reply timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable reports whether a caller may retry the call that produced err
func IsRetryable(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}
