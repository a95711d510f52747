package github

import (
	"context"

	gh "github.com/google/go-github/v41/github"

	"github.com/nais/envdeploy/pkg/pipeline"
)

type fakeClient struct{}

// FakeClient is used when no GitHub token is configured.
func FakeClient() Client {
	return &fakeClient{}
}

func (c *fakeClient) CreateComment(ctx context.Context, repo pipeline.Repository, number int, body string) error {
	return ErrGitHubNotEnabled
}

func (c *fakeClient) CreateDeployment(ctx context.Context, request pipeline.Request) (*gh.Deployment, error) {
	return nil, ErrGitHubNotEnabled
}

func (c *fakeClient) CreateDeploymentStatus(ctx context.Context, repo pipeline.Repository, deploymentID int64, status DeploymentStatus) (*gh.DeploymentStatus, error) {
	return nil, ErrGitHubNotEnabled
}
