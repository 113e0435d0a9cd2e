package pairing

import (
	"context"
	"errors"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/browser"
)

// Outcome classifies the result of one pairing step.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeUnavailable
	OutcomeTimeout
	OutcomeHardFailure
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeHardFailure:
		return "hard_failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StepResult is what every pairing step returns to the state machine.
type StepResult struct {
	Outcome Outcome
	Payload string
	Err     error
}

func succeeded(payload string) StepResult {
	return StepResult{Outcome: OutcomeOK, Payload: payload}
}

// classify maps a step error to an outcome. A cancelled task context always
// wins over whatever the driver reported.
func classify(ctx context.Context, err error) StepResult {
	switch {
	case err == nil:
		return StepResult{Outcome: OutcomeOK}
	case ctx.Err() != nil:
		return StepResult{Outcome: OutcomeCancelled, Err: ctx.Err()}
	case errors.Is(err, browser.ErrUnavailable):
		return StepResult{Outcome: OutcomeUnavailable, Err: err}
	case errors.Is(err, browser.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StepResult{Outcome: OutcomeTimeout, Err: err}
	default:
		return StepResult{Outcome: OutcomeHardFailure, Err: err}
	}
}
