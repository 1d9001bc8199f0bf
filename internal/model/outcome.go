package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every orchestrator.
var (
	ErrConfig        = errors.New("configuration error")
	ErrPipeline      = errors.New("pipeline error")
	ErrNetwork       = errors.New("network error")
	ErrRemoteAPI     = errors.New("remote api error")
	ErrLocalIO       = errors.New("local io error")
	ErrEmptySnapshot = errors.New("snapshot has no files")
	ErrCancelled     = errors.New("cancelled")
	ErrPaused        = errors.New("sync paused by a destructive operation")
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetry
	OutcomeFailure
	// OutcomeCancelled is reported for superseded or explicitly cancelled jobs.
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the result of one orchestrator call.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func OutcomeOK() Outcome                  { return Outcome{Kind: OutcomeSuccess} }
func OutcomeRetryAfter(err error) Outcome { return Outcome{Kind: OutcomeRetry, Err: err} }
func OutcomeFailed(err error) Outcome     { return Outcome{Kind: OutcomeFailure, Err: err} }

func OutcomeCancelledBy(err error) Outcome {
	if err == nil {
		err = ErrCancelled
	}
	return Outcome{Kind: OutcomeCancelled, Err: err}
}

// Message returns the single human-readable message shown for the outcome.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "done"
	case OutcomeRetry:
		return fmt.Sprintf("temporarily failed, will retry: %v", o.Err)
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailure:
		if o.Err == nil {
			return "failed"
		}
		return fmt.Sprintf("failed: %v", o.Err)
	}
	return o.Kind.String()
}

// Is reports whether the outcome's error matches target.
func (o Outcome) Is(target error) bool { return errors.Is(o.Err, target) }
