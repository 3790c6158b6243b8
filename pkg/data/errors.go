package data

import (
	"fmt"

	"github.com/polisai/upsg/pkg/domain"
)

// PhaseError reports an operation attempted in the wrong handle phase.
type PhaseError struct {
	Op    string
	Phase Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: handle is in %s phase", e.Op, e.Phase)
}

func (e *PhaseError) Unwrap() error {
	return domain.ErrPhase
}

// UnsupportedConversionError reports that no converter path links two kinds.
type UnsupportedConversionError struct {
	From Kind
	To   Kind
}

func (e *UnsupportedConversionError) Error() string {
	return fmt.Sprintf("no conversion path from %s to %s", e.From, e.To)
}

func (e *UnsupportedConversionError) Unwrap() error {
	return domain.ErrUnsupportedConversion
}
