package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a tool call names a tool that is
// not in the registry. The model asked for a capability it does not
// have; the call is answered with an error payload and the turn goes on.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrInvalidArgument marks argument type and presence failures detected
// before any side effect.
var ErrInvalidArgument = errors.New("invalid argument")

func argError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, a...))
}
