package envclient

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/nais/envdeploy/pkg/cloudrun"
	"github.com/nais/envdeploy/pkg/lock"
	"github.com/nais/envdeploy/pkg/pipeline"
)

const (
	DefaultEnvironmentsFile = "envdeploy.yaml"
	DefaultTimeout          = time.Hour
	DefaultPollInterval     = 5 * time.Second
)

var (
	ErrEventRequired      = errors.New("event name is required; are we running in GitHub Actions? (env GITHUB_EVENT_NAME)")
	ErrRepositoryRequired = errors.New("repository is required in the format OWNER/NAME (env GITHUB_REPOSITORY)")
	ErrInvalidDestroy     = errors.New("destroy must be either 'true' or 'false'")
	ErrOperatorKey        = errors.New("waiting for a remote run requires an operator key (env OPERATOR_KEY)")
)

type Config struct {
	Actions               bool
	Destroy               string
	Environment           string
	EnvironmentsFile      string
	EventName             string
	EventPath             string
	GithubAPIURL          string
	GithubToken           string
	HealthTimeout         time.Duration
	LockTimeout           time.Duration
	LogLevel              string
	OpenTelemetryURL      string
	OperatorKey           string
	PollInterval          time.Duration
	ProductionBranch      string
	ProductionEnvironment string
	Ref                   string
	Repository            string
	RunURL                string
	SandboxEnvironment    string
	ServerURL             string
	SHA                   string
	StepSummary           string
	TerraformPath         string
	Timeout               time.Duration
	Traceparent           string
	ValidationEnvironment string
	Version               string
	Wait                  bool
	Workspace             string
}

func InitConfig(cfg *Config) {
	flag.BoolVar(&cfg.Actions, "actions", getEnvBool("ACTIONS", getEnvBool("GITHUB_ACTIONS", false)), "Use GitHub Actions compatible error and warning messages. (env ACTIONS)")
	flag.StringVar(&cfg.Destroy, "destroy", os.Getenv("DESTROY"), "Destroy the sandbox environment after a successful health check; required for manual runs. (env DESTROY)")
	flag.StringVar(&cfg.Environment, "environment", os.Getenv("ENVIRONMENT"), "Environment to deploy to. Defaults to the environment of the pipeline variant. (env ENVIRONMENT)")
	flag.StringVar(&cfg.EnvironmentsFile, "environments", getEnv("ENVIRONMENTS", DefaultEnvironmentsFile), "File with environment configuration. (env ENVIRONMENTS)")
	flag.StringVar(&cfg.EventName, "event", os.Getenv("GITHUB_EVENT_NAME"), "Name of the triggering event. (env GITHUB_EVENT_NAME)")
	flag.StringVar(&cfg.EventPath, "event-path", os.Getenv("GITHUB_EVENT_PATH"), "File with the triggering event payload. (env GITHUB_EVENT_PATH)")
	flag.StringVar(&cfg.GithubAPIURL, "github-api-url", os.Getenv("GITHUB_API_URL"), "GitHub API base URL. (env GITHUB_API_URL)")
	flag.StringVar(&cfg.GithubToken, "github-token", os.Getenv("GITHUB_TOKEN"), "Token for pull request comments and deployment statuses. (env GITHUB_TOKEN)")
	flag.DurationVar(&cfg.HealthTimeout, "health-timeout", getEnvDuration("HEALTH_TIMEOUT", cloudrun.DefaultHealthTimeout), "Time to wait for a sandbox deployment to become healthy. (env HEALTH_TIMEOUT)")
	flag.DurationVar(&cfg.LockTimeout, "lock-timeout", getEnvDuration("LOCK_TIMEOUT", lock.DefaultTimeout), "Time to wait for the environment lock; 0 fails immediately. (env LOCK_TIMEOUT)")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Logging verbosity level. (env LOG_LEVEL)")
	flag.StringVar(&cfg.OpenTelemetryURL, "otel-collector-endpoint", os.Getenv("OTEL_COLLECTOR_ENDPOINT"), "OpenTelemetry collector endpoint; empty disables tracing. (env OTEL_COLLECTOR_ENDPOINT)")
	flag.StringVar(&cfg.OperatorKey, "operator-key", os.Getenv("OPERATOR_KEY"), "Pre-shared key for following a remote run. (env OPERATOR_KEY)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", getEnvDuration("POLL_INTERVAL", DefaultPollInterval), "How often to check the status of a remote run. (env POLL_INTERVAL)")
	flag.StringVar(&cfg.ProductionBranch, "production-branch", getEnv("PRODUCTION_BRANCH", pipeline.DefaultProductionBranch), "Pushes to this branch deploy to production. (env PRODUCTION_BRANCH)")
	flag.StringVar(&cfg.ProductionEnvironment, "production-environment", getEnv("PRODUCTION_ENVIRONMENT", pipeline.DefaultProductionEnvironment), "Environment for production deployments. (env PRODUCTION_ENVIRONMENT)")
	flag.StringVar(&cfg.Ref, "ref", os.Getenv("GITHUB_REF"), "Fully qualified git ref of the triggering event. (env GITHUB_REF)")
	flag.StringVar(&cfg.Repository, "repository", os.Getenv("GITHUB_REPOSITORY"), "Repository in the format OWNER/NAME. (env GITHUB_REPOSITORY)")
	flag.StringVar(&cfg.SandboxEnvironment, "sandbox-environment", getEnv("SANDBOX_ENVIRONMENT", pipeline.DefaultSandboxEnvironment), "Environment for manual sandbox deployments. (env SANDBOX_ENVIRONMENT)")
	flag.StringVar(&cfg.ServerURL, "server", os.Getenv("ENVDEPLOY_SERVER"), "Submit the run to an envdeployd server instead of running it here. (env ENVDEPLOY_SERVER)")
	flag.StringVar(&cfg.SHA, "sha", os.Getenv("GITHUB_SHA"), "Commit hash of the triggering event. (env GITHUB_SHA)")
	flag.StringVar(&cfg.StepSummary, "step-summary", os.Getenv("GITHUB_STEP_SUMMARY"), "File to append a Markdown run summary to. (env GITHUB_STEP_SUMMARY)")
	flag.StringVar(&cfg.TerraformPath, "terraform", getEnv("TERRAFORM", "terraform"), "Path to the Terraform binary. (env TERRAFORM)")
	flag.DurationVar(&cfg.Timeout, "timeout", getEnvDuration("TIMEOUT", DefaultTimeout), "Time to wait for the whole run. (env TIMEOUT)")
	flag.StringVar(&cfg.Traceparent, "traceparent", os.Getenv("TRACEPARENT"), "The W3C Trace Context traceparent value for the workflow run. (env TRACEPARENT)")
	flag.StringVar(&cfg.ValidationEnvironment, "validation-environment", getEnv("VALIDATION_ENVIRONMENT", pipeline.DefaultValidationEnvironment), "Environment that pull requests are planned against. (env VALIDATION_ENVIRONMENT)")
	flag.StringVar(&cfg.Version, "version", os.Getenv("VERSION"), "Semantic version to deploy to the sandbox; required for manual runs. (env VERSION)")
	flag.BoolVar(&cfg.Wait, "wait", getEnvBool("WAIT", true), "Block until a remote run reaches a final state. (env WAIT)")
	flag.StringVar(&cfg.Workspace, "workspace", getEnv("GITHUB_WORKSPACE", "."), "Checked out source tree. (env GITHUB_WORKSPACE)")

	flag.Parse()

	cfg.RunURL = runURL()
}

func NewConfig() *Config {
	return &Config{}
}

// Link to the workflow run, if running in GitHub Actions.
func runURL() string {
	server := os.Getenv("GITHUB_SERVER_URL")
	repository := os.Getenv("GITHUB_REPOSITORY")
	runID := os.Getenv("GITHUB_RUN_ID")
	if len(server) == 0 || len(repository) == 0 || len(runID) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/%s/actions/runs/%s", server, repository, runID)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return fallback
}

func getEnvBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}

	return b
}

// DestroyFlag returns nil when the destroy flag was not given at all.
func (cfg *Config) DestroyFlag() (*bool, error) {
	if len(strings.TrimSpace(cfg.Destroy)) == 0 {
		return nil, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(cfg.Destroy))
	if err != nil {
		return nil, ErrInvalidDestroy
	}
	return &b, nil
}

func (cfg *Config) Dispatcher() *pipeline.Dispatcher {
	return &pipeline.Dispatcher{
		ProductionBranch:      cfg.ProductionBranch,
		ProductionEnvironment: cfg.ProductionEnvironment,
		ValidationEnvironment: cfg.ValidationEnvironment,
		SandboxEnvironment:    cfg.SandboxEnvironment,
	}
}

func (cfg *Config) Validate() error {
	if len(cfg.EventName) == 0 {
		return ErrEventRequired
	}

	if _, err := pipeline.ParseRepository(cfg.Repository); err != nil {
		return fmt.Errorf("%w: %w", ErrRepositoryRequired, err)
	}

	if _, err := cfg.DestroyFlag(); err != nil {
		return err
	}

	if len(cfg.ServerURL) > 0 && cfg.Wait && len(cfg.OperatorKey) == 0 {
		return ErrOperatorKey
	}

	return nil
}
