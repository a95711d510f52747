package source_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/envdeploy/pkg/pipeline"
	"github.com/nais/envdeploy/pkg/source"
)

func commit(t *testing.T, repo *git.Repository, dir, file, content string) plumbing.Hash {
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))

	worktree, err := repo.Worktree()
	require.NoError(t, err)
	_, err = worktree.Add(file)
	require.NoError(t, err)

	hash, err := worktree.Commit("update "+file, &git.CommitOptions{
		Author: &object.Signature{Name: "envdeploy", Email: "envdeploy@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash
}

func TestGitCheckout(t *testing.T) {
	root := t.TempDir()
	upstream := filepath.Join(root, "navikt", "myapp")
	require.NoError(t, os.MkdirAll(upstream, 0o755))

	repo, err := git.PlainInit(upstream, false)
	require.NoError(t, err)
	first := commit(t, repo, upstream, "main.tf", "# first\n")
	commit(t, repo, upstream, "main.tf", "# second\n")

	head, err := repo.Head()
	require.NoError(t, err)

	src := &source.Git{BaseURL: root, TempDir: t.TempDir()}
	request := pipeline.Request{
		Repository: pipeline.Repository{Owner: "navikt", Name: "myapp"},
		Ref:        head.Name().String(),
	}

	t.Run("checks out the tip of the ref", func(t *testing.T) {
		dir, cleanup, err := src.Checkout(context.Background(), request)
		require.NoError(t, err)

		content, err := os.ReadFile(filepath.Join(dir, "main.tf"))
		require.NoError(t, err)
		assert.Equal(t, "# second\n", string(content))

		cleanup()
		_, err = os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("checks out the requested commit", func(t *testing.T) {
		req := request
		req.SHA = first.String()

		dir, cleanup, err := src.Checkout(context.Background(), req)
		require.NoError(t, err)
		defer cleanup()

		content, err := os.ReadFile(filepath.Join(dir, "main.tf"))
		require.NoError(t, err)
		assert.Equal(t, "# first\n", string(content))
	})

	t.Run("unknown repository", func(t *testing.T) {
		req := request
		req.Repository.Name = "other"

		_, _, err := src.Checkout(context.Background(), req)
		assert.Equal(t, pipeline.KindSource, pipeline.KindOf(err))
	})
}

func TestLocal(t *testing.T) {
	dir := t.TempDir()
	src := &source.Local{Dir: dir}

	got, cleanup, err := src.Checkout(context.Background(), pipeline.Request{})
	require.NoError(t, err)
	cleanup()
	assert.Equal(t, dir, got)
	assert.DirExists(t, dir)

	src = &source.Local{Dir: filepath.Join(dir, "missing")}
	_, _, err = src.Checkout(context.Background(), pipeline.Request{})
	assert.Equal(t, pipeline.KindSource, pipeline.KindOf(err))
}
