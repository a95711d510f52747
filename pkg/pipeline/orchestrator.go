package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	ocodes "go.opentelemetry.io/otel/codes"

	"github.com/nais/envdeploy/pkg/environment"
	"github.com/nais/envdeploy/pkg/lock"
	"github.com/nais/envdeploy/pkg/metrics"
	"github.com/nais/envdeploy/pkg/telemetry"
)

const staleLockHint = "state lock held past its timeout; verify no other run is active, then release it with `terraform force-unlock <LOCK_ID>`"

// Orchestrator runs one pipeline per request, strictly sequentially.
// Several runs may execute concurrently; they only interact through Locker.
type Orchestrator struct {
	Dispatcher    *Dispatcher
	Environments  Environments
	Authenticator Authenticator
	Source        Source
	Locker        lock.Locker
	Planner       Planner
	Applier       Applier
	Publisher     Publisher
	Deployer      Deployer
	HealthChecker HealthChecker
	Reporter      Reporter
	Observers     []Observer
}

type execution struct {
	*Orchestrator
	run           *Run
	logger        *log.Entry
	outcome       *Outcome
	authenticated bool
}

// Run executes the request to completion and returns its outcome.
// The assertion is the caller's workload identity token; it is only handed to the Authenticator.
func (o *Orchestrator) Run(ctx context.Context, request Request, assertion string) *Outcome {
	variant, req, err := o.Dispatcher.Dispatch(request)

	e := &execution{
		Orchestrator: o,
		run:          NewRun(req, variant),
		outcome: &Outcome{
			RunID:       req.ID,
			Variant:     variant,
			Environment: req.Environment,
		},
	}
	e.logger = log.WithFields(log.Fields{
		"run_id":      req.ID,
		"trigger":     req.Kind,
		"variant":     variant,
		"environment": req.Environment,
	})

	ctx, span := telemetry.Tracer().Start(ctx, "Pipeline run")
	defer span.End()
	telemetry.AddRequestSpanAttributes(span, req.ID, string(variant), req.Environment, req.Repository.FullName())

	if err != nil {
		e.logger.Errorf("Rejected deployment request: %s", err)
		e.fail(ctx, asStageError(StageDispatch, err))
		return e.outcome
	}

	if variant == VariantNone {
		e.logger.Infof("No pipeline configured for %s on %q; skipping", req.Kind, req.Ref)
		e.advance(ctx, StateSkipped, fmt.Sprintf("no pipeline for %s on %s", req.Kind, req.Ref))
		e.outcome.Status = StatusSkipped
		e.finalize()
		return e.outcome
	}

	metrics.RunStarted(string(variant), req.Environment)
	e.logger.Infof("Starting %s pipeline", variant)

	if perr := e.execute(ctx, assertion); perr != nil {
		e.fail(ctx, perr)
		span.SetStatus(ocodes.Error, perr.Error())
		span.RecordError(perr)
	} else {
		e.advance(ctx, StateSucceeded, "")
		e.outcome.Status = StatusSucceeded
		e.finalize()
		e.logger.Infof("Pipeline succeeded")
	}

	// Nothing is reported on behalf of a request whose identity was never verified.
	if e.authenticated {
		e.report(ctx, "finished", func() error { return o.Reporter.Finished(context.WithoutCancel(ctx), e.run, e.outcome) })
	}
	metrics.RunFinished(string(variant), req.Environment, string(e.outcome.Status), e.outcome.Partial)

	return e.outcome
}

func (e *execution) execute(ctx context.Context, assertion string) *Error {
	req := e.run.Request
	variant := e.run.Variant

	env, err := e.Environments.Environment(req.Environment)
	if err != nil {
		return asStageError(StageDispatch, ErrorWrap(KindInvalidRequest, err))
	}

	ws := Workspace{Environment: env}

	perr := e.stage(ctx, StageAuthenticate, nil, func(ctx context.Context) error {
		grant, err := e.Authenticator.Authenticate(ctx, assertion, env)
		if err != nil {
			return err
		}
		if !grant.Valid() {
			return Errorf(KindAuthentication, "identity provider returned an unusable grant")
		}
		if err := grant.Covers(req); err != nil {
			return ErrorWrap(KindAuthentication, err)
		}
		ws.Grant = grant
		return nil
	})
	if perr != nil {
		return perr
	}
	e.logger.Infof("Authenticated as %s", ws.Grant.ServiceAccount)
	e.advance(ctx, StateAuthenticated, ws.Grant.ServiceAccount)
	e.authenticated = true
	e.report(ctx, "started", func() error { return e.Reporter.Started(ctx, e.run) })

	var cleanup func()
	perr = e.stage(ctx, StageCheckout, &ws, func(ctx context.Context) error {
		var err error
		ws.Source, cleanup, err = e.Source.Checkout(ctx, req)
		return err
	})
	if perr != nil {
		return perr
	}
	defer cleanup()

	var plan *PlanResult
	perr = e.locked(ctx, env, func() *Error {
		perr := e.stage(ctx, StagePlan, &ws, func(ctx context.Context) error {
			var err error
			plan, err = e.Planner.Plan(ctx, ws)
			return err
		})
		if perr != nil {
			return perr
		}
		e.outcome.Plan = plan
		e.logger.Infof("Plan: %s", plan.Summary())
		e.advance(ctx, StatePlanned, plan.Summary())

		if !variant.Applies() {
			e.report(ctx, "plan", func() error { return e.Reporter.PlanReady(ctx, e.run, plan) })
			e.advance(ctx, StatePlanOnly, "")
			return nil
		}

		perr = e.stage(ctx, StageApply, &ws, func(ctx context.Context) error {
			result, err := e.Applier.Apply(ctx, ws, plan)
			if err == nil {
				e.logger.Infof("Applied %d resource changes", len(result.Applied))
			}
			return err
		})
		if perr != nil {
			return perr
		}
		e.mutated(StageApply)
		e.advance(ctx, StateApplied, plan.Summary())
		return nil
	})
	if perr != nil || !variant.Applies() {
		return perr
	}

	var image string
	perr = e.stage(ctx, StagePublish, &ws, func(ctx context.Context) error {
		var err error
		image, err = e.Publisher.Publish(ctx, ws, req.ImageTag())
		return err
	})
	if perr != nil {
		return perr
	}
	e.mutated(StagePublish)
	e.outcome.Pointer = &Pointer{Image: image}
	e.logger.Infof("Published %s", image)
	e.advance(ctx, StatePublished, image)

	var url string
	perr = e.stage(ctx, StageDeploy, &ws, func(ctx context.Context) error {
		var err error
		url, err = e.Deployer.Deploy(ctx, ws, image)
		return err
	})
	if perr != nil {
		return perr
	}
	e.mutated(StageDeploy)
	e.outcome.Pointer.URL = url
	e.logger.Infof("Deployed %s to %s", image, url)
	e.advance(ctx, StateDeployed, url)

	if variant != VariantSandbox || !req.DestroyAfterDeploy() {
		return nil
	}

	// Teardown must never start before the health check has returned successfully.
	healthURL := strings.TrimSuffix(url, "/") + env.HealthPath
	perr = e.stage(ctx, StageHealthCheck, &ws, func(ctx context.Context) error {
		return e.HealthChecker.Check(ctx, healthURL)
	})
	if perr != nil {
		e.logger.Warnf("Health check failed; leaving environment %q up for inspection", env.Name)
		return perr
	}
	e.advance(ctx, StateHealthChecked, healthURL)

	perr = e.locked(ctx, env, func() *Error {
		return e.stage(ctx, StageDestroy, &ws, func(ctx context.Context) error {
			result, err := e.Applier.Destroy(ctx, ws)
			if err == nil {
				e.logger.Infof("Destroyed %d resources", len(result.Applied))
			}
			return err
		})
	})
	if perr != nil {
		return perr
	}
	e.mutated(StageDestroy)
	e.advance(ctx, StateDestroyed, "")

	return nil
}

// stage runs fn as one pipeline stage.
// Cancellation is checked at the boundary; a cancellation that interrupts a mutating stage is reported as partial.
func (e *execution) stage(ctx context.Context, stage Stage, ws *Workspace, fn func(ctx context.Context) error) *Error {
	if err := ctx.Err(); err != nil {
		return &Error{
			Kind:       KindCancelled,
			Stage:      stage,
			Err:        fmt.Errorf("run cancelled before %s: %w", stage, err),
			ExitStatus: -1,
		}
	}

	if ws != nil && !ws.Grant.Valid() {
		return &Error{
			Kind:       KindAuthentication,
			Stage:      stage,
			Err:        fmt.Errorf("credential grant for %s expired", ws.Grant.ServiceAccount),
			ExitStatus: -1,
		}
	}

	ctx, span := telemetry.Tracer().Start(ctx, string(stage))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration(string(stage), start, err)

	if err == nil {
		return nil
	}

	perr := asStageError(stage, err)
	if ctx.Err() != nil {
		perr.Kind = KindCancelled
		if stage.Mutating() {
			perr.Partial = true
		}
	}
	if perr.Kind == KindLockContention && len(perr.Hint) == 0 {
		perr.Hint = staleLockHint
	}

	span.SetStatus(ocodes.Error, perr.Error())
	span.RecordError(perr)

	return perr
}

// locked holds the environment lock for the duration of fn and always releases it.
func (e *execution) locked(ctx context.Context, env *environment.Environment, fn func() *Error) *Error {
	if err := ctx.Err(); err != nil {
		return &Error{
			Kind:       KindCancelled,
			Stage:      StageLock,
			Err:        fmt.Errorf("run cancelled while waiting for lock: %w", err),
			ExitStatus: -1,
		}
	}

	start := time.Now()
	e.logger.Debugf("Acquiring lock for environment %q", env.Name)
	lease, err := e.Locker.Acquire(ctx, env.Name)
	metrics.LockWait(env.Name, start, err)
	if err != nil {
		kind := KindLockContention
		if !errors.Is(err, lock.ErrContended) && ctx.Err() != nil {
			kind = KindCancelled
		}
		return &Error{
			Kind:       kind,
			Stage:      StageLock,
			Err:        fmt.Errorf("environment %q: %w", env.Name, err),
			ExitStatus: -1,
		}
	}

	defer func() {
		if err := lease.Release(); err != nil {
			e.logger.Errorf("Release lock for environment %q: %s", env.Name, err)
		} else {
			e.logger.Debugf("Released lock for environment %q", env.Name)
		}
	}()

	return fn()
}

func (e *execution) advance(ctx context.Context, to State, message string) {
	t, err := e.run.advance(to, message)
	if err != nil {
		// The orchestrator only requests legal transitions; anything else is a programming error.
		panic(err)
	}
	e.logger.Debugf("State %s -> %s", t.From, t.To)
	for _, observer := range e.Observers {
		observer.Observe(ctx, e.run, t)
	}
}

func (e *execution) mutated(stage Stage) {
	e.outcome.Mutations = append(e.outcome.Mutations, stage)
}

func (e *execution) fail(ctx context.Context, perr *Error) {
	e.outcome.Err = perr
	e.outcome.Status = StatusFailed
	e.outcome.Partial = perr.Partial

	e.logger.WithFields(log.Fields{
		"stage":       perr.Stage,
		"kind":        perr.Kind,
		"exit_status": perr.ExitStatus,
		"partial":     perr.Partial,
	}).Errorf("Pipeline failed: %s", perr.Err)

	if len(perr.Applied) > 0 || len(perr.Unapplied) > 0 {
		e.logger.Errorf("Resources changed before failure: %v", perr.Applied)
		e.logger.Errorf("Resources left unchanged: %v", perr.Unapplied)
	}
	if len(perr.Hint) > 0 {
		e.logger.Warnf("hint: %s", perr.Hint)
	}
	if len(e.outcome.Mutations) > 0 {
		e.logger.Warnf("External changes already in effect from stages: %v", e.outcome.Mutations)
	}

	e.advance(ctx, StateFailed, perr.Error())
	e.finalize()
}

func (e *execution) finalize() {
	e.outcome.State = e.run.State()
	e.outcome.History = e.run.History()
}

func (e *execution) report(ctx context.Context, what string, fn func() error) {
	if e.Reporter == nil {
		return
	}
	if err := fn(); err != nil {
		e.logger.Warnf("Unable to report %s status: %s", what, err)
	}
}
