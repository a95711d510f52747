package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/envdeploy/pkg/pipeline"
)

func boolp(b bool) *bool {
	return &b
}

func TestDispatch(t *testing.T) {
	dispatcher := pipeline.NewDispatcher()

	for _, tt := range []struct {
		name        string
		request     pipeline.Request
		variant     pipeline.Variant
		environment string
		kind        pipeline.Kind
	}{
		{
			name:        "push to main deploys production",
			request:     pipeline.Request{Kind: pipeline.TriggerPush, Ref: "refs/heads/main", SHA: "abc"},
			variant:     pipeline.VariantProduction,
			environment: "production",
		},
		{
			name:    "push to other branch is skipped",
			request: pipeline.Request{Kind: pipeline.TriggerPush, Ref: "refs/heads/feature", SHA: "abc"},
			variant: pipeline.VariantNone,
		},
		{
			name:    "push of a tag is skipped",
			request: pipeline.Request{Kind: pipeline.TriggerPush, Ref: "refs/tags/main", SHA: "abc"},
			variant: pipeline.VariantNone,
		},
		{
			name:    "push without commit",
			request: pipeline.Request{Kind: pipeline.TriggerPush, Ref: "refs/heads/main"},
			kind:    pipeline.KindInvalidRequest,
		},
		{
			name:        "pull request validates",
			request:     pipeline.Request{Kind: pipeline.TriggerPullRequest, PullRequest: 7, SHA: "abc"},
			variant:     pipeline.VariantValidation,
			environment: "production",
		},
		{
			name:    "pull request without number",
			request: pipeline.Request{Kind: pipeline.TriggerPullRequest, SHA: "abc"},
			kind:    pipeline.KindInvalidRequest,
		},
		{
			name:        "manual run deploys sandbox",
			request:     pipeline.Request{Kind: pipeline.TriggerManual, Version: "1.2.3", Destroy: boolp(false)},
			variant:     pipeline.VariantSandbox,
			environment: "sandbox",
		},
		{
			name:        "manual run with pre-release version",
			request:     pipeline.Request{Kind: pipeline.TriggerManual, Version: "2.0.0-rc.1", Destroy: boolp(true)},
			variant:     pipeline.VariantSandbox,
			environment: "sandbox",
		},
		{
			name:        "manual run to explicit environment",
			request:     pipeline.Request{Kind: pipeline.TriggerManual, Version: "1.2.3", Destroy: boolp(true), Environment: "sandbox-2"},
			variant:     pipeline.VariantSandbox,
			environment: "sandbox-2",
		},
		{
			name:    "manual run without version",
			request: pipeline.Request{Kind: pipeline.TriggerManual, Destroy: boolp(false)},
			kind:    pipeline.KindInvalidRequest,
		},
		{
			name:    "manual run with v-prefixed version",
			request: pipeline.Request{Kind: pipeline.TriggerManual, Version: "v1.2.3", Destroy: boolp(false)},
			kind:    pipeline.KindInvalidRequest,
		},
		{
			name:    "manual run with partial version",
			request: pipeline.Request{Kind: pipeline.TriggerManual, Version: "1.2", Destroy: boolp(false)},
			kind:    pipeline.KindInvalidRequest,
		},
		{
			name:    "manual run with build metadata",
			request: pipeline.Request{Kind: pipeline.TriggerManual, Version: "1.0.0+build.1", Destroy: boolp(false)},
			kind:    pipeline.KindInvalidRequest,
		},
		{
			name:    "manual run without destroy flag",
			request: pipeline.Request{Kind: pipeline.TriggerManual, Version: "1.2.3"},
			kind:    pipeline.KindInvalidRequest,
		},
		{
			name:    "unsupported trigger",
			request: pipeline.Request{Kind: "release"},
			kind:    pipeline.KindInvalidRequest,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			variant, req, err := dispatcher.Dispatch(tt.request)
			if len(tt.kind) > 0 {
				assert.Equal(t, tt.kind, pipeline.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.variant, variant)
			if variant != pipeline.VariantNone {
				assert.Equal(t, tt.environment, req.Environment)
			}
			assert.NotEmpty(t, req.ID)
			assert.False(t, req.Time.IsZero())
		})
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	dispatcher := pipeline.NewDispatcher()
	request := pipeline.Request{Kind: pipeline.TriggerManual, Version: "1.2.3", Destroy: boolp(true)}

	variant, first, err := dispatcher.Dispatch(request)
	require.NoError(t, err)
	again, second, err := dispatcher.Dispatch(first)
	require.NoError(t, err)

	assert.Equal(t, variant, again)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Time, second.Time)
	assert.Equal(t, first.Environment, second.Environment)

	// The normalized request does not share the destroy flag with the original.
	*first.Destroy = false
	assert.True(t, *request.Destroy)
}

func TestDispatchCustomBranch(t *testing.T) {
	dispatcher := &pipeline.Dispatcher{
		ProductionBranch:      "master",
		ProductionEnvironment: "prod",
		ValidationEnvironment: "prod",
		SandboxEnvironment:    "dev",
	}

	variant, req, err := dispatcher.Dispatch(pipeline.Request{Kind: pipeline.TriggerPush, Ref: "refs/heads/master", SHA: "abc"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.VariantProduction, variant)
	assert.Equal(t, "prod", req.Environment)

	variant, _, err = dispatcher.Dispatch(pipeline.Request{Kind: pipeline.TriggerPush, Ref: "refs/heads/main", SHA: "abc"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.VariantNone, variant)
}

func TestImageTag(t *testing.T) {
	assert.Equal(t, "abc", pipeline.Request{Kind: pipeline.TriggerPush, SHA: "abc"}.ImageTag())
	assert.Equal(t, "1.2.3", pipeline.Request{Kind: pipeline.TriggerManual, SHA: "abc", Version: "1.2.3"}.ImageTag())
}

func TestParseRepository(t *testing.T) {
	repo, err := pipeline.ParseRepository("navikt/myapp")
	require.NoError(t, err)
	assert.Equal(t, "navikt/myapp", repo.FullName())

	for _, invalid := range []string{"", "myapp", "navikt/", "/myapp", "a/b/c"} {
		_, err := pipeline.ParseRepository(invalid)
		assert.Error(t, err, invalid)
	}
}
