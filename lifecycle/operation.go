package lifecycle

import (
	"fmt"
	"strings"
)

// Operation is a request against a whole topology.
type Operation string

const (
	OperationActivate Operation = "activate"
	OperationStart    Operation = "start"
	OperationStop     Operation = "stop"
	OperationDelete   Operation = "delete"
)

// Operations lists the supported operations.
var Operations = []Operation{OperationActivate, OperationStart, OperationStop, OperationDelete}

// ParseOperation parses an operation name, ignoring case.
func ParseOperation(name string) (Operation, error) {
	for _, op := range Operations {
		if strings.EqualFold(string(op), name) {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", name)
}

// Phases returns the steps run by the operation, in execution order. Each
// phase blocks on completion of the previous one.
func (o Operation) Phases() []Step {
	switch o {
	case OperationActivate:
		return []Step{Init, Activate, FirstStart}
	case OperationStart:
		return []Step{Start}
	case OperationStop:
		return []Step{Stop}
	case OperationDelete:
		return []Step{Delete}
	default:
		return nil
	}
}

// FinalStep returns the last phase of the operation.
func (o Operation) FinalStep() Step {
	phases := o.Phases()
	if len(phases) == 0 {
		return Init
	}
	return phases[len(phases)-1]
}

// IsReverse returns true if the operation visits dependents first.
func (o Operation) IsReverse() bool {
	return o.FinalStep().IsReverse()
}
