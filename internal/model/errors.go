package model

import "errors"

// Failure taxonomy shared by adapters, managers and the gateway. Adapters wrap
// their concrete errors in one of these so callers can match with errors.Is.
var (
	ErrTransportUnreachable = errors.New("transport unreachable")
	ErrProtocolDecode       = errors.New("protocol decode error")
	ErrCommandRejected      = errors.New("command rejected")
	ErrStreamStalled        = errors.New("stream stalled")
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrNoFrame              = errors.New("no frame available")
)

// Retryable reports whether a failed command may be attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransportUnreachable) || errors.Is(err, ErrProtocolDecode)
}
