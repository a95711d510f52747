// Package source provides the source tree a run plans, builds and deploys from.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/pipeline"
)

const DefaultBaseURL = "https://github.com"

// Local uses a tree that is already checked out, such as the GitHub Actions workspace.
type Local struct {
	Dir string
}

var _ pipeline.Source = &Local{}

func (l *Local) Checkout(_ context.Context, _ pipeline.Request) (string, func(), error) {
	info, err := os.Stat(l.Dir)
	if err != nil {
		return "", nil, pipeline.ErrorWrap(pipeline.KindSource, err)
	}
	if !info.IsDir() {
		return "", nil, pipeline.Errorf(pipeline.KindSource, "%s is not a directory", l.Dir)
	}
	return l.Dir, func() {}, nil
}

// Git clones the requested commit into a temporary directory.
type Git struct {
	BaseURL string
	Token   string
	TempDir string
}

var _ pipeline.Source = &Git{}

func (g *Git) Checkout(ctx context.Context, req pipeline.Request) (string, func(), error) {
	if len(req.Ref) == 0 && len(req.SHA) == 0 {
		return "", nil, pipeline.Errorf(pipeline.KindSource, "request has neither ref nor commit")
	}

	dir, err := os.MkdirTemp(g.TempDir, "envdeploy-")
	if err != nil {
		return "", nil, pipeline.ErrorWrap(pipeline.KindSource, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("Remove checkout %s: %s", dir, err)
		}
	}

	err = g.checkout(ctx, dir, req)
	if err != nil {
		cleanup()
		return "", nil, pipeline.ErrorWrap(pipeline.KindSource, err)
	}

	return dir, cleanup, nil
}

func (g *Git) remoteURL(repo pipeline.Repository) string {
	base := g.BaseURL
	if len(base) == 0 {
		base = DefaultBaseURL
	}
	return strings.TrimSuffix(base, "/") + "/" + filepath.ToSlash(repo.FullName())
}

func (g *Git) checkout(ctx context.Context, dir string, req pipeline.Request) error {
	url := g.remoteURL(req.Repository)

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}

	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}

	fetchOpts := &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Tags:       git.NoTags,
	}
	local := ""
	if len(req.Ref) > 0 {
		local = "refs/remotes/origin/" + strings.TrimPrefix(req.Ref, "refs/")
		fetchOpts.RefSpecs = []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+%s:%s", req.Ref, local)),
		}
	}
	if len(g.Token) > 0 {
		fetchOpts.Auth = &http.BasicAuth{
			Username: "x-access-token",
			Password: g.Token,
		}
	}

	log.Debugf("Fetching %s from %s", req.Ref, url)
	err = repo.FetchContext(ctx, fetchOpts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", req.Ref, err)
	}

	var hash plumbing.Hash
	if len(req.SHA) > 0 {
		hash = plumbing.NewHash(req.SHA)
	} else {
		ref, err := repo.Reference(plumbing.ReferenceName(local), true)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", req.Ref, err)
		}
		hash = ref.Hash()
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Hash:  hash,
		Force: true,
	})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", hash, err)
	}

	log.Infof("Checked out %s at %s", req.Repository.FullName(), hash)
	return nil
}
