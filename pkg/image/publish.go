// Package image builds service images and pushes them to the environment's registry.
package image

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/environment"
	"github.com/nais/envdeploy/pkg/pipeline"
)

// Artifact Registry accepts OAuth2 access tokens as the password of this user.
const tokenUsername = "oauth2accesstoken"

var ErrTagExists = errors.New("tag already exists in registry and the environment does not allow overwriting")

type Publisher struct {
	Builder Builder

	// Allow plain HTTP registries. Only for tests.
	Insecure bool
}

func NewPublisher(builder Builder) *Publisher {
	return &Publisher{Builder: builder}
}

var _ pipeline.Publisher = &Publisher{}

func (p *Publisher) Publish(ctx context.Context, ws pipeline.Workspace, tag string) (string, error) {
	env := ws.Environment

	var nameOpts []name.Option
	if p.Insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	ref, err := name.NewTag(env.ImageRepository()+":"+tag, nameOpts...)
	if err != nil {
		return "", pipeline.ErrorWrap(pipeline.KindPublish, fmt.Errorf("invalid image reference: %w", err))
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(&authn.Basic{
			Username: tokenUsername,
			Password: ws.Grant.AccessToken,
		}),
	}

	logger := log.WithFields(log.Fields{
		"environment": env.Name,
		"image":       ref.String(),
	})

	if env.Overwrite != environment.OverwriteAllow {
		err = checkTagAvailable(ref, opts)
		if err != nil {
			return "", pipeline.ErrorWrap(pipeline.KindPublish, err)
		}
	}

	img, err := p.Builder.Build(ctx, ws.Source, env.Dockerfile, ref)
	if err != nil {
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			return "", err
		}
		return "", pipeline.ErrorWrap(pipeline.KindBuild, err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", pipeline.ErrorWrap(pipeline.KindBuild, fmt.Errorf("compute image digest: %w", err))
	}

	logger.Infof("Pushing image with digest %s", digest)
	err = remote.Write(ref, img, opts...)
	if err != nil {
		return "", pipeline.ErrorWrap(pipeline.KindPublish, fmt.Errorf("push %s: %w", ref, err))
	}

	return ref.Context().Digest(digest.String()).String(), nil
}

func checkTagAvailable(ref name.Tag, opts []remote.Option) error {
	_, err := remote.Head(ref, opts...)
	if err == nil {
		return fmt.Errorf("%s: %w", ref, ErrTagExists)
	}

	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		return nil
	}

	return fmt.Errorf("check for existing tag %s: %w", ref, err)
}
