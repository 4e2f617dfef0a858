package slsrecv

import (
	"errors"
	"fmt"

	"github.com/usnistgov/slsrecv/ringbuffer"
)

// ErrNotIdle is returned by any configuration change attempted while an
// acquisition is under way.
var ErrNotIdle = errors.New("receiver is not idle")

// ErrSlotAllocation means the slot pool could not be allocated. The receiver
// refuses to start until a later configuration succeeds.
var ErrSlotAllocation = ringbuffer.ErrAllocation

// ErrUnexpectedShortRead means the socket returned less than a full buffer
// without a stop having been requested.
var ErrUnexpectedShortRead = errors.New("socket read ended without a stop request")

// ErrNoSocket means the UDP socket could not be created.
var ErrNoSocket = errors.New("could not create UDP socket")

// ConfigError reports a rejected configuration value. The receiver's state
// is unchanged when one is returned.
type ConfigError struct {
	Param  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Param, e.Value, e.Reason)
}

func configError(param string, value any, format string, args ...any) error {
	return &ConfigError{Param: param, Value: value, Reason: fmt.Sprintf(format, args...)}
}
