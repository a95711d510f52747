package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nais/envdeploy/pkg/pipeline"
)

func TestGrantCovers(t *testing.T) {
	for _, tt := range []struct {
		name    string
		grant   pipeline.Grant
		request pipeline.Request
		covered bool
	}{
		{
			name:    "push",
			grant:   pipeline.Grant{Repository: "NAVIKT/myapp", Event: "push", Ref: "refs/heads/main", SHA: "abc123"},
			request: pushRequest(),
			covered: true,
		},
		{
			name:    "workflow dispatch",
			grant:   pipeline.Grant{Repository: "navikt/myapp", Event: "workflow_dispatch", Ref: "refs/heads/main", SHA: "abc123"},
			request: manualRequest(false),
			covered: true,
		},
		{
			name:    "pull request merge ref",
			grant:   pipeline.Grant{Repository: "navikt/myapp", Event: "pull_request", Ref: "refs/pull/42/merge", SHA: "merge-commit"},
			request: pullRequest(42),
			covered: true,
		},
		{
			name:    "pull request target runs on the base branch",
			grant:   pipeline.Grant{Repository: "navikt/myapp", Event: "pull_request_target", Ref: "refs/heads/main", SHA: "base-commit"},
			request: pullRequest(42),
			covered: true,
		},
		{
			name:    "pull request target on another base branch",
			grant:   pipeline.Grant{Repository: "navikt/myapp", Event: "pull_request_target", Ref: "refs/heads/release", SHA: "base-commit"},
			request: pullRequest(42),
		},
		{
			name:    "no repository",
			grant:   pipeline.Grant{},
			request: pushRequest(),
		},
		{
			name:    "other ref",
			grant:   pipeline.Grant{Repository: "navikt/myapp", Event: "push", Ref: "refs/heads/feature", SHA: "abc123"},
			request: pushRequest(),
		},
		{
			name:    "push identity used for a manual run",
			grant:   pipeline.Grant{Repository: "navikt/myapp", Event: "push", Ref: "refs/heads/main", SHA: "abc123"},
			request: manualRequest(true),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.grant.Covers(tt.request)
			if tt.covered {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
