package astrometry

import (
	"errors"
	"fmt"
)

// Calibration is the astrometric solution for one image: field center
// plus pixel scale. Created only by a successful solver run and consumed
// once by the coordinate mapper; it is never persisted.
type Calibration struct {
	CenterRA         float64 `json:"ra"`       // degrees
	CenterDec        float64 `json:"dec"`      // degrees
	PixelScaleArcsec float64 `json:"pixscale"` // arcsec per pixel
}

// FailureKind classifies why a solve attempt failed.
type FailureKind string

const (
	FailureAuth        FailureKind = "auth"
	FailureSubmission  FailureKind = "submission"
	FailureTransport   FailureKind = "transport"
	FailureCalibration FailureKind = "calibration"
)

// SolveResult is the single outcome of one Solve invocation: either a
// calibration or a classified failure. The client never surfaces raw
// transport errors past this type.
type SolveResult struct {
	Solved      bool
	Calibration Calibration
	Failure     FailureKind
	Err         error
}

// Phase tracks the solver workflow state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAuthenticating
	PhaseSubmitting
	PhasePolling
	PhaseFetching
	PhaseSolved
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseSubmitting:
		return "submitting"
	case PhasePolling:
		return "polling"
	case PhaseFetching:
		return "fetching"
	case PhaseSolved:
		return "solved"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuthError reports a rejected credential or a login response without a
// session token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// SubmissionError reports a rejected upload or an upload response without
// a submission id.
type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed: %s", e.Reason)
}

// TransportError reports a network-level or malformed-body failure in any
// phase, including an exhausted poll budget.
type TransportError struct {
	Phase Phase
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure while %s: %v", e.Phase, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CalibrationError reports a job that produced no usable calibration,
// typically an unsolvable image.
type CalibrationError struct {
	JobID  int64
	Reason string
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("no calibration for job %d: %s", e.JobID, e.Reason)
}

// Classify maps a phase error to its failure kind. Anything unrecognized
// counts as transport-level.
func Classify(err error) FailureKind {
	var (
		authErr  *AuthError
		subErr   *SubmissionError
		calibErr *CalibrationError
	)
	switch {
	case errors.As(err, &authErr):
		return FailureAuth
	case errors.As(err, &subErr):
		return FailureSubmission
	case errors.As(err, &calibErr):
		return FailureCalibration
	default:
		return FailureTransport
	}
}
