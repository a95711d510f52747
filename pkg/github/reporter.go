package github

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/pipeline"
)

const (
	StateInProgress = "in_progress"
	StateSuccess    = "success"
	StateFailure    = "failure"
	StateInactive   = "inactive"
)

// Reporter posts plans as pull request comments and tracks deploying runs as GitHub deployments.
type Reporter struct {
	Client Client

	// Link from deployment statuses to the workflow run, if known.
	LogURL string

	// LogLink overrides LogURL with a link specific to the run.
	LogLink func(run *pipeline.Run) string

	deployments sync.Map
}

func NewReporter(client Client, logURL string) *Reporter {
	return &Reporter{
		Client: client,
		LogURL: logURL,
	}
}

var _ pipeline.Reporter = &Reporter{}

func (r *Reporter) Started(ctx context.Context, run *pipeline.Run) error {
	if !tracksDeployment(run) {
		return nil
	}

	deployment, err := r.Client.CreateDeployment(ctx, run.Request)
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	r.deployments.Store(run.Request.ID, deployment.GetID())

	log.WithField("run_id", run.Request.ID).Debugf("Created GitHub deployment %d", deployment.GetID())

	return r.status(ctx, run, DeploymentStatus{
		State:       StateInProgress,
		Description: fmt.Sprintf("Deploying %s", run.Request.ImageTag()),
	})
}

func (r *Reporter) PlanReady(ctx context.Context, run *pipeline.Run, plan *pipeline.PlanResult) error {
	if run.Request.Kind != pipeline.TriggerPullRequest {
		return nil
	}

	body, err := PlanComment(run, plan)
	if err != nil {
		return err
	}

	return r.Client.CreateComment(ctx, run.Request.Repository, run.Request.PullRequest, body)
}

func (r *Reporter) Finished(ctx context.Context, run *pipeline.Run, outcome *pipeline.Outcome) error {
	if run.Request.Kind == pipeline.TriggerPullRequest {
		if outcome.Status != pipeline.StatusFailed {
			return nil
		}
		body, err := FailureComment(run, outcome)
		if err != nil {
			return err
		}
		return r.Client.CreateComment(ctx, run.Request.Repository, run.Request.PullRequest, body)
	}

	if !tracksDeployment(run) {
		return nil
	}

	status := DeploymentStatus{}
	switch {
	case outcome.Status == pipeline.StatusFailed:
		status.State = StateFailure
		status.Description = FailureDescription(outcome.Err)
	case outcome.State == pipeline.StateSucceeded && run.Request.DestroyAfterDeploy():
		status.State = StateInactive
		status.Description = "Deployed, verified and destroyed"
	default:
		status.State = StateSuccess
		status.Description = fmt.Sprintf("Deployed %s", run.Request.ImageTag())
	}
	if outcome.Pointer != nil && status.State == StateSuccess {
		status.EnvironmentURL = outcome.Pointer.URL
	}

	err := r.status(ctx, run, status)
	r.deployments.Delete(run.Request.ID)
	return err
}

func (r *Reporter) status(ctx context.Context, run *pipeline.Run, status DeploymentStatus) error {
	id, ok := r.deployments.Load(run.Request.ID)
	if !ok {
		return fmt.Errorf("no deployment registered for run %s", run.Request.ID)
	}
	status.LogURL = r.LogURL
	if r.LogLink != nil {
		status.LogURL = r.LogLink(run)
	}

	_, err := r.Client.CreateDeploymentStatus(ctx, run.Request.Repository, id.(int64), status)
	if err != nil {
		return fmt.Errorf("create deployment status: %w", err)
	}
	return nil
}

func tracksDeployment(run *pipeline.Run) bool {
	return run.Variant == pipeline.VariantProduction || run.Variant == pipeline.VariantSandbox
}
