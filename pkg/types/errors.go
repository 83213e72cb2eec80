package types

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed target domain before any resource is
// allocated.
type ValidationError struct {
	Domain string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid domain %q: %s", e.Domain, e.Reason)
}

// ToolErrorKind classifies why a primary tool attempt did not produce a
// usable artifact.
type ToolErrorKind string

const (
	ToolUnavailable ToolErrorKind = "unavailable"
	ToolTimeout     ToolErrorKind = "timeout"
	ToolExecution   ToolErrorKind = "execution"
)

// ToolError is a per-stage, non-fatal failure resolved by the fallback
// strategy.
type ToolError struct {
	Tool string
	Kind ToolErrorKind
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s %s", e.Tool, e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NormalizationError marks a single malformed record; the record is skipped
// and the stage continues.
type NormalizationError struct {
	Stage  Stage
	Record string
	Err    error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: skipping record: %v", e.Stage, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// ReportError is the report assembler failing to produce even a minimal
// report.
type ReportError struct {
	Domain string
	Err    error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("report assembly for %s: %v", e.Domain, e.Err)
}

func (e *ReportError) Unwrap() error { return e.Err }

// NotifyError is a delivery failure at the notifier; it never changes the
// job's recorded outcome.
type NotifyError struct {
	Recipient string
	Err       error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Recipient, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// OrchestrationError is a scaffolding failure (workspace, tracker, store)
// that is fatal to the job.
type OrchestrationError struct {
	Op  string
	Err error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration: %s: %v", e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// IsFatal reports whether err must fail the whole job rather than degrade a
// single stage.
func IsFatal(err error) bool {
	var ve *ValidationError
	var oe *OrchestrationError
	return errors.As(err, &ve) || errors.As(err, &oe)
}
