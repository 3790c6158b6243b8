package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"
	"time"

	"github.com/polisai/upsg/pkg/domain"
)

// TimeoutCandidate is one configured deadline and where it came from.
type TimeoutCandidate struct {
	Source  string
	Timeout time.Duration
}

// ResolveTimeout picks the smallest positive candidate. It returns zero when no
// candidate sets a deadline, along with the candidates that were considered.
func ResolveTimeout(candidates ...TimeoutCandidate) (time.Duration, []TimeoutCandidate) {
	var considered []TimeoutCandidate
	var shortest time.Duration
	for _, c := range candidates {
		if c.Timeout <= 0 {
			continue
		}
		considered = append(considered, c)
		if shortest == 0 || c.Timeout < shortest {
			shortest = c.Timeout
		}
	}
	return shortest, considered
}

// TimeoutFromConfig reads a stage deadline from a node's config map. It
// accepts timeout_ms / timeoutMs as a number of milliseconds and timeout as a
// duration string.
func TimeoutFromConfig(config map[string]any) (TimeoutCandidate, bool) {
	if config == nil {
		return TimeoutCandidate{}, false
	}

	for _, key := range []string{"timeout_ms", "timeoutMs"} {
		if value, ok := config[key]; ok {
			if ms, ok := convertToInt(value); ok && ms > 0 {
				return TimeoutCandidate{
					Source:  "node.config." + key,
					Timeout: time.Duration(ms) * time.Millisecond,
				}, true
			}
		}
	}

	if raw, ok := config["timeout"].(string); ok && strings.TrimSpace(raw) != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
			return TimeoutCandidate{Source: "node.config.timeout", Timeout: d}, true
		}
	}

	return TimeoutCandidate{}, false
}

// WithStageDeadline bounds ctx by d when d is positive.
func WithStageDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ClassifyStageError converts a failure caused by the stage deadline into
// domain.ErrStageTimeout. stageCtx is the context the stage ran with; parent
// is the run context, so a cancelled run is not reported as a timeout. A
// stage that returns successfully keeps its result even when the deadline
// passed before it returned.
func ClassifyStageError(parent, stageCtx context.Context, err error, d time.Duration) error {
	if err == nil || d <= 0 || parent.Err() != nil {
		return err
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: exceeded %s: %v", domain.ErrStageTimeout, d, err)
	}
	return err
}

func convertToInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		if bits.UintSize == 32 && (v > int64(math.MaxInt32) || v < int64(math.MinInt32)) {
			return 0, false
		}
		return int(v), true
	case uint64:
		if v > uint64(math.MaxInt) {
			return 0, false
		}
		return int(v), true
	case float64:
		if v > float64(math.MaxInt) || v < float64(math.MinInt) {
			return 0, false
		}
		return int(v), true
	case string:
		if v == "" {
			return 0, false
		}
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed, true
		}
		return 0, false
	default:
		return 0, false
	}
}
