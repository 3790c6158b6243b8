package domain

import "errors"

// Error kinds surfaced by the engine. Typed errors in the data, pipeline and
// engine packages unwrap to one of these so callers can classify failures with
// errors.Is.
var (
	ErrPhase                 = errors.New("handle used in wrong phase")
	ErrUnsupportedConversion = errors.New("unsupported conversion")
	ErrContractViolation     = errors.New("stage contract violation")
	ErrDuplicateInput        = errors.New("input already connected")
	ErrUnknownKey            = errors.New("unknown key")
	ErrUnknownNode           = errors.New("unknown node")
	ErrCycle                 = errors.New("cycle detected")
	ErrCyclicExpansion       = errors.New("meta-stage expansion does not terminate")
	ErrDisconnectedInput     = errors.New("required input has no producer")
	ErrGraphFrozen           = errors.New("graph is frozen")
	ErrNoBackend             = errors.New("backend not configured")
	ErrStageTimeout          = errors.New("stage timeout exceeded")
	ErrConfigInvalid         = errors.New("invalid configuration")
	ErrUnknownStage          = errors.New("unknown stage kind")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Code returns a stable machine-readable code for an engine error, suitable for
// CLI exit reporting and structured logs.
func Code(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPhase):
		return "PHASE"
	case errors.Is(err, ErrUnsupportedConversion):
		return "UNSUPPORTED_CONVERSION"
	case errors.Is(err, ErrContractViolation):
		return "CONTRACT_VIOLATION"
	case errors.Is(err, ErrDuplicateInput):
		return "DUPLICATE_INPUT"
	case errors.Is(err, ErrUnknownKey), errors.Is(err, ErrUnknownNode):
		return "UNKNOWN_KEY"
	case errors.Is(err, ErrCyclicExpansion):
		return "CYCLIC_EXPANSION"
	case errors.Is(err, ErrCycle):
		return "CYCLE"
	case errors.Is(err, ErrDisconnectedInput):
		return "DISCONNECTED_INPUT"
	case errors.Is(err, ErrStageTimeout):
		return "STAGE_TIMEOUT"
	case errors.Is(err, ErrConfigInvalid), errors.Is(err, ErrUnknownStage):
		return "CONFIG_INVALID"
	default:
		return "STAGE_FAILED"
	}
}
