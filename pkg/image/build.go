package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/pipeline"
)

// Builder produces an image from a source tree.
type Builder interface {
	Build(ctx context.Context, dir, dockerfile string, tag name.Tag) (v1.Image, error)
}

// DockerBuilder runs `docker build` and loads the result from the local daemon.
type DockerBuilder struct {
	Program string
}

func NewDockerBuilder() *DockerBuilder {
	return &DockerBuilder{Program: "docker"}
}

func (d *DockerBuilder) Build(ctx context.Context, dir, dockerfile string, tag name.Tag) (v1.Image, error) {
	args := []string{
		"build",
		"--file", filepath.Join(dir, dockerfile),
		"--tag", tag.String(),
		dir,
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, d.Program, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	log.Infof("Building image %s", tag)
	err := cmd.Run()
	if err != nil {
		e := pipeline.ErrorWrap(pipeline.KindBuild, fmt.Errorf("%s %s: %w\n%s", d.Program, strings.Join(args, " "), err, output.String()))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e.ExitStatus = exitErr.ExitCode()
		}
		return nil, e
	}

	img, err := daemon.Image(tag, daemon.WithContext(ctx))
	if err != nil {
		return nil, pipeline.ErrorWrap(pipeline.KindBuild, fmt.Errorf("load %s from docker daemon: %w", tag, err))
	}

	return img, nil
}
