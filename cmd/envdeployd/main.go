package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/cloudrun"
	"github.com/nais/envdeploy/pkg/conftools"
	"github.com/nais/envdeploy/pkg/credentials"
	"github.com/nais/envdeploy/pkg/database"
	"github.com/nais/envdeploy/pkg/envdeployd/config"
	"github.com/nais/envdeploy/pkg/environment"
	"github.com/nais/envdeploy/pkg/github"
	"github.com/nais/envdeploy/pkg/image"
	"github.com/nais/envdeploy/pkg/lock"
	"github.com/nais/envdeploy/pkg/logging"
	"github.com/nais/envdeploy/pkg/logproxy"
	"github.com/nais/envdeploy/pkg/pipeline"
	"github.com/nais/envdeploy/pkg/server"
	"github.com/nais/envdeploy/pkg/source"
	"github.com/nais/envdeploy/pkg/telemetry"
	"github.com/nais/envdeploy/pkg/terraform"
	"github.com/nais/envdeploy/pkg/version"
)

const (
	databaseConnectBackoffInterval = 3 * time.Second
)

func run() error {
	cfg := config.Initialize()
	err := conftools.Load(cfg)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	// Welcome
	log.Infof("envdeployd %s", version.Version())
	ts, err := version.BuildTime()
	if err == nil {
		log.Infof("This version was built %s", ts.Local())
	}

	for _, line := range conftools.Format(config.Masked) {
		log.Info(line)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.OpenTelemetryURL) > 0 {
		tracerProvider, err := telemetry.New(ctx, "envdeployd", cfg.OpenTelemetryURL)
		if err != nil {
			return fmt.Errorf("set up tracing: %w", err)
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				log.Warnf("Flush traces: %s", err)
			}
		}()
	}

	catalog, err := environment.Load(cfg.Environments)
	if err != nil {
		return err
	}
	log.Infof("Loaded environments %v from %s", catalog.Names(), cfg.Environments)

	db, err := connectDatabase(ctx, cfg.DatabaseURL, cfg.DatabaseConnectTimeout)
	if err != nil {
		return fmt.Errorf("setup postgres connection: %s", err)
	}
	defer db.Close()

	err = db.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrating database: %s", err)
	}

	keySet, err := credentials.NewGithubKeySet(ctx)
	if err != nil {
		return fmt.Errorf("set up identity token validation: %w", err)
	}
	validator := credentials.NewValidator(keySet)
	validator.Audience = cfg.Audience

	client := github.FakeClient()
	if cfg.Github.Enabled {
		client, err = github.NewTokenClient(ctx, cfg.Github.Token, cfg.Github.APIURL)
		if err != nil {
			return fmt.Errorf("set up github client: %w", err)
		}
		log.Infof("Reporting to GitHub enabled")
	}

	runner := terraform.NewRunner(cfg.Terraform, cfg.LockTimeout)
	dispatcher := cfg.Dispatcher()

	orchestrator := &pipeline.Orchestrator{
		Dispatcher:   dispatcher,
		Environments: catalog,
		Authenticator: &credentials.Broker{
			Validator: validator,
			Exchanger: credentials.NewGoogleExchanger(),
		},
		Source: &source.Git{
			BaseURL: cfg.Github.GitURL,
			Token:   cfg.Github.Token,
			TempDir: cfg.TempDir,
		},
		Locker:        lock.NewPostgres(db.Pool(), cfg.LockTimeout),
		Planner:       runner,
		Applier:       runner,
		Publisher:     image.NewPublisher(image.NewDockerBuilder()),
		Deployer:      cloudrun.NewDeployer(),
		HealthChecker: cloudrun.NewHealthChecker(cfg.HealthTimeout),
	}

	reporter := github.NewReporter(client, "")
	reporter.LogLink = func(run *pipeline.Run) string {
		return logproxy.MakeURL(cfg.BaseURL, run.Request.ID, run.Request.Environment, run.Request.Time)
	}
	orchestrator.Reporter = reporter

	runs := server.NewRuns(dispatcher, orchestrator, db)
	orchestrator.Observers = append(orchestrator.Observers, runs.Observer())

	router := server.New(server.Config{
		Runs:         runs,
		Store:        db,
		Health:       db,
		MetricsPath:  cfg.MetricsPath,
		OperatorKeys: cfg.OperatorKeys,
		Environments: catalog,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	log.Infof("Ready to accept connections on %s", cfg.ListenAddress)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Infof("Received signal %s (%d), exiting...", sig, sig)
	case err := <-serverErrors:
		log.Errorf("HTTP server: %s", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	err = httpServer.Shutdown(shutdownCtx)
	if err != nil {
		log.Errorf("Shut down HTTP server: %s", err)
	}

	log.Infof("Waiting for runs in flight to finish")
	runs.Drain(shutdownCtx)

	return nil
}

// connectDatabase retries until the database accepts connections or the timeout expires.
func connectDatabase(ctx context.Context, dsn string, timeout time.Duration) (*database.Database, error) {
	b := backoff.NewConstantBackOff(databaseConnectBackoffInterval)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return backoff.RetryWithData(func() (*database.Database, error) {
		log.Infof("Connecting to database...")
		db, err := database.New(ctx, dsn)
		if err != nil {
			log.Errorf("unable to connect to database: %s", err)
			return nil, err
		}
		log.Infof("Database connection established.")
		return db, nil
	}, backoff.WithContext(b, ctx))
}

func main() {
	err := run()
	if err != nil {
		log.Errorf("Fatal error: %s", err)
		os.Exit(1)
	}
}
