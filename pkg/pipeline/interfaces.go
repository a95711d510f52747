package pipeline

import (
	"context"

	"github.com/nais/envdeploy/pkg/environment"
)

type Environments interface {
	Environment(name string) (*environment.Environment, error)
}

// Authenticator exchanges a workload identity assertion for a grant scoped to the environment's service account.
type Authenticator interface {
	Authenticate(ctx context.Context, assertion string, env *environment.Environment) (*Grant, error)
}

// Source provides the checked out source tree for a request.
// The returned cleanup function must be called when the run no longer needs the tree.
type Source interface {
	Checkout(ctx context.Context, request Request) (string, func(), error)
}

type Planner interface {
	Plan(ctx context.Context, ws Workspace) (*PlanResult, error)
}

type Applier interface {
	Apply(ctx context.Context, ws Workspace, plan *PlanResult) (*ApplyResult, error)
	Destroy(ctx context.Context, ws Workspace) (*ApplyResult, error)
}

// Publisher builds and pushes an image, returning a digest-pinned reference.
type Publisher interface {
	Publish(ctx context.Context, ws Workspace, tag string) (string, error)
}

// Deployer points the environment's service at an image and returns its URL.
type Deployer interface {
	Deploy(ctx context.Context, ws Workspace, image string) (string, error)
}

type HealthChecker interface {
	Check(ctx context.Context, url string) error
}

// Reporter surfaces run progress in the triggering interface.
// Reporting errors are logged but never change the outcome of a run.
// Only authenticated runs are reported; Started follows StateAuthenticated.
type Reporter interface {
	Started(ctx context.Context, run *Run) error
	PlanReady(ctx context.Context, run *Run, plan *PlanResult) error
	Finished(ctx context.Context, run *Run, outcome *Outcome) error
}

type Observer interface {
	Observe(ctx context.Context, run *Run, transition Transition)
}

type ObserverFunc func(ctx context.Context, run *Run, transition Transition)

func (fn ObserverFunc) Observe(ctx context.Context, run *Run, transition Transition) {
	fn(ctx, run, transition)
}
