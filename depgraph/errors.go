package depgraph

import (
	"errors"
	"strings"
)

// ErrChainInvariant is returned when sequential mode would give a node more
// than one predecessor or successor. It indicates a builder bug.
var ErrChainInvariant = errors.New("chain invariant violated")

// CyclicDependencyError reports a dependency cycle between items.
type CyclicDependencyError struct {
	// Path lists the item names around the cycle; the first and last entries
	// are the same item.
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}
