package pipeline

import (
	"fmt"
)

// Side names which port set a key belongs to.
type Side string

const (
	SideInput  Side = "input"
	SideOutput Side = "output"
)

// KeyError locates a wiring or contract failure at a node port. Err is one of
// the domain sentinels.
type KeyError struct {
	Node NodeID
	Key  string
	Side Side
	Err  error
}

func (e *KeyError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("node %d: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("node %d %s %q: %v", e.Node, e.Side, e.Key, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}
