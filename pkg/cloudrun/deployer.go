// Package cloudrun points Cloud Run services at new images and checks that they serve.
package cloudrun

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	run "google.golang.org/api/run/v2"

	"github.com/nais/envdeploy/pkg/pipeline"
)

const DefaultPollInterval = 2 * time.Second

type Deployer struct {
	PollInterval  time.Duration
	ClientOptions []option.ClientOption
}

func NewDeployer() *Deployer {
	return &Deployer{PollInterval: DefaultPollInterval}
}

var _ pipeline.Deployer = &Deployer{}

// Deploy replaces the image of the service's first container and waits for the new revision.
// If the revision never becomes ready, Cloud Run keeps serving the previous one.
func (d *Deployer) Deploy(ctx context.Context, ws pipeline.Workspace, image string) (string, error) {
	serviceName := ws.Environment.ServiceName()
	logger := log.WithFields(log.Fields{
		"environment": ws.Environment.Name,
		"service":     serviceName,
	})

	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(ws.Grant.Token())),
	}, d.ClientOptions...)

	client, err := run.NewService(ctx, opts...)
	if err != nil {
		return "", pipeline.ErrorWrap(pipeline.KindDeploy, fmt.Errorf("cloud run client: %w", err))
	}
	services := client.Projects.Locations.Services

	service, err := services.Get(serviceName).Context(ctx).Do()
	if err != nil {
		return "", pipeline.ErrorWrap(pipeline.KindDeploy, fmt.Errorf("get service: %w", err))
	}
	if service.Template == nil || len(service.Template.Containers) == 0 {
		return "", pipeline.Errorf(pipeline.KindDeploy, "service %s has no containers", serviceName)
	}

	service.Template.Containers[0].Image = image
	// The template is a new revision; let Cloud Run name it.
	service.Template.Revision = ""

	logger.Infof("Updating service to %s", image)
	op, err := services.Patch(serviceName, service).Context(ctx).Do()
	if err != nil {
		return "", pipeline.ErrorWrap(pipeline.KindDeploy, fmt.Errorf("update service: %w", err))
	}

	op, err = d.wait(ctx, client, op)
	if err != nil {
		return "", pipeline.ErrorWrap(pipeline.KindDeploy, err)
	}
	if op.Error != nil {
		return "", pipeline.Errorf(pipeline.KindDeploy, "revision did not become ready: %s (code %d)", op.Error.Message, op.Error.Code)
	}

	service, err = services.Get(serviceName).Context(ctx).Do()
	if err != nil {
		return "", pipeline.ErrorWrap(pipeline.KindDeploy, fmt.Errorf("get service: %w", err))
	}

	logger.Infof("Service is serving revision %s at %s", service.LatestReadyRevision, service.Uri)
	return service.Uri, nil
}

func (d *Deployer) wait(ctx context.Context, client *run.Service, op *run.GoogleLongrunningOperation) (*run.GoogleLongrunningOperation, error) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	var err error
	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for operation %s: %w", op.Name, ctx.Err())
		case <-ticker.C:
		}

		op, err = client.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("get operation: %w", err)
		}
	}

	return op, nil
}
