// Package fault defines the error taxonomy shared by every stage of a backup or
// restore job. Each failure carries a Kind plus enough job context (job id,
// target, stage, attempt count) to diagnose it without re-running the job.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfiguration            Kind = "configuration"
	KindConnection               Kind = "connection"
	KindDump                     Kind = "dump"
	KindRestore                  Kind = "restore"
	KindTransferTransient        Kind = "transfer_transient"
	KindTransferPermanent        Kind = "transfer_permanent"
	KindChecksumMismatch         Kind = "checksum_mismatch"
	KindAuthenticationFailure    Kind = "authentication_failure"
	KindRetentionPolicyViolation Kind = "retention_policy_violation"
	KindNotFound                 Kind = "not_found"
	KindCanceled                 Kind = "canceled"
	KindInternal                 Kind = "internal"
)

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Op       string
	JobID    string
	Target   string
	Stage    string
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	var ctx []string
	if e.JobID != "" {
		ctx = append(ctx, "job="+e.JobID)
	}
	if e.Target != "" {
		ctx = append(ctx, "target="+e.Target)
	}
	if e.Stage != "" {
		ctx = append(ctx, "stage="+e.Stage)
	}
	if e.Attempts > 0 {
		ctx = append(ctx, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	if len(ctx) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Newf creates a classified error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Cause: fmt.Errorf(format, args...)}
}

func Configuration(op string, cause error) *Error { return New(KindConfiguration, op, cause) }
func Connection(op string, cause error) *Error    { return New(KindConnection, op, cause) }
func Dump(op string, cause error) *Error          { return New(KindDump, op, cause) }
func Restore(op string, cause error) *Error       { return New(KindRestore, op, cause) }
func Transient(op string, cause error) *Error     { return New(KindTransferTransient, op, cause) }
func Permanent(op string, cause error) *Error     { return New(KindTransferPermanent, op, cause) }
func Checksum(op string, cause error) *Error      { return New(KindChecksumMismatch, op, cause) }
func Auth(op string, cause error) *Error          { return New(KindAuthenticationFailure, op, cause) }
func NotFound(op string, cause error) *Error      { return New(KindNotFound, op, cause) }

// WithJob returns a copy of err annotated with job context. Errors that are not
// *Error are classified first.
func WithJob(err error, jobID, target, stage string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if !errors.As(err, &fe) {
		fe = &Error{Kind: KindOf(err), Cause: err}
	}
	cp := *fe
	if cp.JobID == "" {
		cp.JobID = jobID
	}
	if cp.Target == "" {
		cp.Target = target
	}
	if cp.Stage == "" {
		cp.Stage = stage
	}
	return &cp
}

// KindOf reports the Kind of err. Context cancellation maps to KindCanceled and
// unclassified errors to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransferTransient
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether retrying the same operation unchanged may succeed.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransferTransient
}

// AttemptsOf returns the attempt count recorded on err, or 0.
func AttemptsOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Attempts
	}
	return 0
}

// Exit codes returned by the dbkp binary.
const (
	ExitOK            = 0
	ExitInternal      = 1
	ExitConfiguration = 2
	ExitConnection    = 3
	ExitTransfer      = 4
	ExitIntegrity     = 5
	ExitEngine        = 6
	ExitCanceled      = 130
)

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfiguration:
		return ExitConfiguration
	case KindConnection:
		return ExitConnection
	case KindTransferTransient, KindTransferPermanent, KindNotFound:
		return ExitTransfer
	case KindChecksumMismatch, KindAuthenticationFailure:
		return ExitIntegrity
	case KindDump, KindRestore:
		return ExitEngine
	case KindCanceled:
		return ExitCanceled
	default:
		return ExitInternal
	}
}
