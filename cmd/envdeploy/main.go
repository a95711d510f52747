package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/nais/envdeploy/pkg/cloudrun"
	"github.com/nais/envdeploy/pkg/credentials"
	"github.com/nais/envdeploy/pkg/envclient"
	"github.com/nais/envdeploy/pkg/environment"
	"github.com/nais/envdeploy/pkg/github"
	"github.com/nais/envdeploy/pkg/image"
	"github.com/nais/envdeploy/pkg/lock"
	"github.com/nais/envdeploy/pkg/logging"
	"github.com/nais/envdeploy/pkg/pipeline"
	"github.com/nais/envdeploy/pkg/source"
	"github.com/nais/envdeploy/pkg/telemetry"
	"github.com/nais/envdeploy/pkg/terraform"
	"github.com/nais/envdeploy/pkg/version"
)

var errInvocation = errors.New("invalid invocation")

func main() {
	err := run()
	if err == nil {
		return
	}
	if errors.Is(err, errInvocation) {
		flag.Usage()
	}
	log.Errorf("fatal: %s", err)
	os.Exit(int(pipeline.ErrorExitCode(err)))
}

func run() error {
	// Configuration and context
	cfg := envclient.NewConfig()
	envclient.InitConfig(cfg)

	// Logging
	format := "text"
	if cfg.Actions {
		format = "actions"
	}
	if err := logging.Setup(cfg.LogLevel, format); err != nil {
		return pipeline.ErrorWrap(pipeline.KindInvalidRequest, fmt.Errorf("%w: %w", errInvocation, err))
	}

	// Welcome
	log.Infof("envdeploy %s", version.Version())
	ts, err := version.BuildTime()
	if err == nil {
		log.Infof("This version was built %s", ts.Local())
	}

	if err := cfg.Validate(); err != nil {
		return pipeline.ErrorWrap(pipeline.KindInvalidRequest, fmt.Errorf("%w: %w", errInvocation, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.OpenTelemetryURL) > 0 {
		tracerProvider, err := telemetry.New(ctx, "envdeploy", cfg.OpenTelemetryURL)
		if err != nil {
			return pipeline.ErrorWrap(pipeline.KindInternal, fmt.Errorf("set up tracing: %w", err))
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				log.Warnf("Flush traces: %s", err)
			}
		}()
	}
	ctx = telemetry.WithTraceParent(ctx, cfg.Traceparent)

	request, err := envclient.BuildRequest(cfg)
	if err != nil {
		return pipeline.ErrorWrap(pipeline.KindInvalidRequest, err)
	}

	// A missing token only matters if the run gets as far as authenticating.
	assertion, err := credentials.FetchActionsToken(ctx, http.DefaultClient, credentials.Audience)
	if err != nil {
		log.Warnf("Unable to obtain workload identity token: %s", err)
	}

	var outcome *pipeline.Outcome
	if len(cfg.ServerURL) > 0 {
		outcome, err = runRemote(ctx, cfg, request, assertion)
		if err != nil || outcome == nil {
			return err
		}
	} else {
		orchestrator, err := newOrchestrator(ctx, cfg)
		if err != nil {
			return err
		}
		outcome = orchestrator.Run(ctx, request, assertion)
	}

	log.Infof("Run %s finished with status %s", outcome.RunID, outcome.Status)
	if outcome.Pointer != nil && len(outcome.Pointer.URL) > 0 {
		log.Infof("Environment %s is serving %s at %s", outcome.Environment, outcome.Pointer.Image, outcome.Pointer.URL)
	}

	if err := envclient.WriteSummary(cfg.StepSummary, outcome); err != nil {
		log.Warnf("Unable to write step summary: %s", err)
	}

	return outcome.Error()
}

// runRemote hands the request over to envdeployd. Without --wait, a nil outcome is returned once the run is accepted.
func runRemote(ctx context.Context, cfg *envclient.Config, request pipeline.Request, assertion string) (*pipeline.Outcome, error) {
	remote := envclient.NewRemote(cfg)

	response, err := remote.Submit(ctx, request, assertion)
	if err != nil {
		return nil, err
	}
	if response.Status == pipeline.StatusSkipped {
		log.Infof("No pipeline configured for %s on %q; skipping", request.Kind, request.Ref)
		return &pipeline.Outcome{
			RunID:       response.ID,
			Variant:     response.Variant,
			Environment: response.Environment,
			Status:      pipeline.StatusSkipped,
			State:       pipeline.StateSkipped,
		}, nil
	}

	log.Infof("Submitted %s run %s against environment %s", response.Variant, response.ID, response.Environment)
	if !cfg.Wait {
		return nil, nil
	}

	return remote.Wait(ctx, response.ID)
}

func newOrchestrator(ctx context.Context, cfg *envclient.Config) (*pipeline.Orchestrator, error) {
	catalog, err := environment.Load(cfg.EnvironmentsFile)
	if err != nil {
		return nil, pipeline.ErrorWrap(pipeline.KindInvalidRequest, err)
	}
	log.Infof("Loaded environments %v from %s", catalog.Names(), cfg.EnvironmentsFile)

	keySet, err := credentials.NewGithubKeySet(ctx)
	if err != nil {
		return nil, pipeline.ErrorWrap(pipeline.KindAuthentication, err)
	}

	client := github.FakeClient()
	if len(cfg.GithubToken) > 0 {
		client, err = github.NewTokenClient(ctx, cfg.GithubToken, cfg.GithubAPIURL)
		if err != nil {
			return nil, pipeline.ErrorWrap(pipeline.KindInvalidRequest, err)
		}
	} else {
		log.Warnf("No GitHub token; pull request comments and deployment statuses are disabled")
	}

	runner := terraform.NewRunner(cfg.TerraformPath, cfg.LockTimeout)

	return &pipeline.Orchestrator{
		Dispatcher:   cfg.Dispatcher(),
		Environments: catalog,
		Authenticator: &credentials.Broker{
			Validator: credentials.NewValidator(keySet),
			Exchanger: credentials.NewGoogleExchanger(),
		},
		Source:        &source.Local{Dir: cfg.Workspace},
		Locker:        lock.NewMemory(cfg.LockTimeout),
		Planner:       runner,
		Applier:       runner,
		Publisher:     image.NewPublisher(image.NewDockerBuilder()),
		Deployer:      cloudrun.NewDeployer(),
		HealthChecker: cloudrun.NewHealthChecker(cfg.HealthTimeout),
		Reporter:      github.NewReporter(client, cfg.RunURL),
	}, nil
}
