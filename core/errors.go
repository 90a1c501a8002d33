package core

import (
	"errors"
	"fmt"
)

// ErrUnknownModel reports an impairment model name that is not registered.
var ErrUnknownModel = errors.New("unknown impairment model")

// ConfigurationError reports an impairment model whose parameters can never
// produce a usable connectivity boundary. It is fatal at startup.
type ConfigurationError struct {
	Model  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("impairment model %q misconfigured: %s", e.Model, e.Reason)
}

// BackendNotificationError wraps a failing backend notification. A tick that
// returns it has been aborted.
type BackendNotificationError struct {
	Notification string
	Key          string
	Step         int
	Err          error
}

func (e *BackendNotificationError) Error() string {
	return fmt.Sprintf("step %d: backend %s for %s: %v", e.Step, e.Notification, e.Key, e.Err)
}

func (e *BackendNotificationError) Unwrap() error { return e.Err }
