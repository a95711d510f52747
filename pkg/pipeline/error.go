package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindInvalidRequest Kind = "InvalidRequest"
	KindAuthentication Kind = "AuthenticationError"
	KindSource         Kind = "SourceError"
	KindValidation     Kind = "ValidationError"
	KindPlan           Kind = "PlanError"
	KindApply          Kind = "ApplyError"
	KindBuild          Kind = "BuildError"
	KindPublish        Kind = "PublishError"
	KindDeploy         Kind = "DeployError"
	KindHealthCheck    Kind = "HealthCheckError"
	KindLockContention Kind = "LockContentionError"
	KindCancelled      Kind = "Cancelled"
	KindInternal       Kind = "InternalError"
)

type Stage string

const (
	StageDispatch     Stage = "dispatch"
	StageAuthenticate Stage = "authenticate"
	StageCheckout     Stage = "checkout"
	StageLock         Stage = "lock"
	StagePlan         Stage = "plan"
	StageApply        Stage = "apply"
	StagePublish      Stage = "publish"
	StageDeploy       Stage = "deploy"
	StageHealthCheck  Stage = "health-check"
	StageDestroy      Stage = "destroy"
)

// Stages that mutate external resources while running.
// Interrupting one of these leaves the resource in whatever state the tool left it.
func (s Stage) Mutating() bool {
	switch s {
	case StageApply, StageDeploy, StageDestroy:
		return true
	}
	return false
}

func (s Stage) defaultKind() Kind {
	switch s {
	case StageDispatch:
		return KindInvalidRequest
	case StageAuthenticate:
		return KindAuthentication
	case StageCheckout:
		return KindSource
	case StageLock:
		return KindLockContention
	case StagePlan:
		return KindPlan
	case StageApply, StageDestroy:
		return KindApply
	case StagePublish:
		return KindPublish
	case StageDeploy:
		return KindDeploy
	case StageHealthCheck:
		return KindHealthCheck
	}
	return KindInternal
}

// Error is the terminal error of a pipeline run.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error

	// Exit status of the external tool, or -1 if not applicable.
	ExitStatus int

	// Partial is set when the failing stage had already mutated external resources.
	Partial   bool
	Applied   []string
	Unapplied []string

	// Hint for the operator, e.g. how to release a stale state lock.
	Hint string
}

func (e *Error) Error() string {
	var b strings.Builder
	if len(e.Stage) > 0 {
		b.WriteString(string(e.Stage))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:       kind,
		Err:        fmt.Errorf(format, args...),
		ExitStatus: -1,
	}
}

func ErrorWrap(kind Kind, err error) *Error {
	return &Error{
		Kind:       kind,
		Err:        err,
		ExitStatus: -1,
	}
}

// KindOf returns the kind of a pipeline error, or the empty kind if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// asStageError converts any error returned by a collaborator into a pipeline error attributed to stage.
func asStageError(stage Stage, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if len(cp.Stage) == 0 {
			cp.Stage = stage
		}
		if len(cp.Kind) == 0 {
			cp.Kind = stage.defaultKind()
		}
		return &cp
	}
	return &Error{
		Kind:       stage.defaultKind(),
		Stage:      stage,
		Err:        err,
		ExitStatus: -1,
	}
}

type ExitCode int

// Keep separate to avoid skewing exit codes
const (
	ExitSuccess ExitCode = iota
	ExitInvalidRequest
	ExitAuthentication
	ExitValidation
	ExitApply
	ExitBuild
	ExitPublish
	ExitDeploy
	ExitLockContention
	ExitCancelled
	ExitInternalError
	ExitSource
	ExitHealthCheck
	ExitPlan
)

var exitCodes = map[Kind]ExitCode{
	KindInvalidRequest: ExitInvalidRequest,
	KindAuthentication: ExitAuthentication,
	KindSource:         ExitSource,
	KindValidation:     ExitValidation,
	KindPlan:           ExitPlan,
	KindApply:          ExitApply,
	KindBuild:          ExitBuild,
	KindPublish:        ExitPublish,
	KindDeploy:         ExitDeploy,
	KindHealthCheck:    ExitHealthCheck,
	KindLockContention: ExitLockContention,
	KindCancelled:      ExitCancelled,
	KindInternal:       ExitInternalError,
}

func ErrorExitCode(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	code, ok := exitCodes[KindOf(err)]
	if !ok {
		return ExitInternalError
	}
	return code
}
