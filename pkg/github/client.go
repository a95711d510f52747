package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"

	"github.com/nais/envdeploy/pkg/metrics"
	"github.com/nais/envdeploy/pkg/pipeline"
)

var (
	ErrEmptyRepository  = fmt.Errorf("empty repository")
	ErrGitHubNotEnabled = fmt.Errorf("GitHub requests are not enabled")
)

const (
	maxDescriptionLength = 140
	DeploymentTask       = "envdeploy:deploy"
)

type Client interface {
	CreateComment(ctx context.Context, repo pipeline.Repository, number int, body string) error
	CreateDeployment(ctx context.Context, request pipeline.Request) (*gh.Deployment, error)
	CreateDeploymentStatus(ctx context.Context, repo pipeline.Repository, deploymentID int64, status DeploymentStatus) (*gh.DeploymentStatus, error)
}

type DeploymentStatus struct {
	State          string
	Description    string
	LogURL         string
	EnvironmentURL string
}

type client struct {
	client *gh.Client
}

func New(c *gh.Client) Client {
	return &client{
		client: c,
	}
}

// NewTokenClient returns a client authenticated with a workflow or personal access token.
// An empty baseURL means api.github.com.
func NewTokenClient(ctx context.Context, token, baseURL string) (Client, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	c := gh.NewClient(httpClient)
	if len(baseURL) > 0 {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github api url: %w", err)
		}
		c.BaseURL = u
	}
	return New(c), nil
}

func (c *client) CreateComment(ctx context.Context, repo pipeline.Repository, number int, body string) error {
	if len(repo.FullName()) == 0 {
		return ErrEmptyRepository
	}

	_, resp, err := c.client.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &gh.IssueComment{
		Body: gh.String(body),
	})

	if resp != nil {
		metrics.GitHubRequest(resp.StatusCode, repo.FullName())
	}

	return err
}

func (c *client) CreateDeployment(ctx context.Context, request pipeline.Request) (*gh.Deployment, error) {
	repo := request.Repository
	if len(repo.FullName()) == 0 {
		return nil, ErrEmptyRepository
	}

	payload := DeploymentRequest(request)
	dep, resp, err := c.client.Repositories.CreateDeployment(ctx, repo.Owner, repo.Name, &payload)

	if resp != nil {
		metrics.GitHubRequest(resp.StatusCode, repo.FullName())
	}

	return dep, err
}

func (c *client) CreateDeploymentStatus(ctx context.Context, repo pipeline.Repository, deploymentID int64, status DeploymentStatus) (*gh.DeploymentStatus, error) {
	if len(repo.FullName()) == 0 {
		return nil, ErrEmptyRepository
	}

	description := status.Description
	if len(description) > maxDescriptionLength {
		description = description[:maxDescriptionLength]
	}

	req := &gh.DeploymentStatusRequest{
		State:       gh.String(status.State),
		Description: gh.String(description),
	}
	if len(status.LogURL) > 0 {
		req.LogURL = gh.String(status.LogURL)
	}
	if len(status.EnvironmentURL) > 0 {
		req.EnvironmentURL = gh.String(status.EnvironmentURL)
	}

	st, resp, err := c.client.Repositories.CreateDeploymentStatus(ctx, repo.Owner, repo.Name, deploymentID, req)

	if resp != nil {
		metrics.GitHubRequest(resp.StatusCode, repo.FullName())
	}

	return st, err
}

func DeploymentRequest(r pipeline.Request) gh.DeploymentRequest {
	requiredContexts := make([]string, 0)
	return gh.DeploymentRequest{
		Environment:          gh.String(r.Environment),
		Ref:                  gh.String(r.SHA),
		Task:                 gh.String(DeploymentTask),
		AutoMerge:            gh.Bool(false),
		RequiredContexts:     &requiredContexts,
		Description:          gh.String(fmt.Sprintf("%s run %s", r.Kind, r.ID)),
		TransientEnvironment: gh.Bool(r.DestroyAfterDeploy()),
	}
}
