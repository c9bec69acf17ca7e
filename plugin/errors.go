package plugin

import (
	"fmt"
	"strings"

	"github.com/nomis52/goactivate/lifecycle"
)

// ConfigurationError reports more than one handler bound to the same item
// type and step. It is a registration bug and halts the activation.
type ConfigurationError struct {
	ItemType string
	Step     lifecycle.Step
	Handlers []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ambiguous handler for type %s at step %s: %s",
		e.ItemType, e.Step, strings.Join(e.Handlers, ", "))
}

// NoHandlerError reports an item type that no handler serves at any step.
type NoHandlerError struct {
	ItemType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for item type %s", e.ItemType)
}
