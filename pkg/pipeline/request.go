package pipeline

import (
	"fmt"
	"strings"
	"time"
)

type TriggerKind string

const (
	TriggerPush        TriggerKind = "push"
	TriggerPullRequest TriggerKind = "pull_request"
	TriggerManual      TriggerKind = "manual"
)

// TriggerForEvent maps a GitHub Actions event name to a trigger kind.
// Unknown events map to themselves, and are rejected by the dispatcher.
func TriggerForEvent(event string) TriggerKind {
	switch event {
	case "push":
		return TriggerPush
	case "pull_request", "pull_request_target":
		return TriggerPullRequest
	case "workflow_dispatch":
		return TriggerManual
	}
	return TriggerKind(event)
}

type Repository struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (r Repository) FullName() string {
	if len(r.Owner) == 0 || len(r.Name) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

func ParseRepository(fullName string) (Repository, error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return Repository{}, fmt.Errorf("repository name %q is not in the format OWNER/NAME", fullName)
	}
	return Repository{Owner: parts[0], Name: parts[1]}, nil
}

// Request is a deployment request as received from a trigger.
// The dispatcher returns a normalized copy; nothing downstream modifies it.
type Request struct {
	ID          string      `json:"id"`
	Kind        TriggerKind `json:"kind"`
	Ref         string      `json:"ref"`
	SHA         string      `json:"sha"`
	Repository  Repository  `json:"repository"`
	PullRequest int         `json:"pullRequest,omitempty"`
	BaseRef     string      `json:"baseRef,omitempty"`
	Environment string      `json:"environment,omitempty"`
	Version     string      `json:"version,omitempty"`
	Destroy     *bool       `json:"destroy,omitempty"`
	Time        time.Time   `json:"time"`
}

// Branch returns the short branch name of the ref, or the empty string if the ref is not a branch.
func (r Request) Branch() string {
	if !strings.HasPrefix(r.Ref, "refs/heads/") {
		return ""
	}
	return strings.TrimPrefix(r.Ref, "refs/heads/")
}

func (r Request) DestroyAfterDeploy() bool {
	return r.Destroy != nil && *r.Destroy
}

// ImageTag returns the container image tag for this request.
// Manual runs are tagged with the requested version, everything else with the commit hash.
func (r Request) ImageTag() string {
	if r.Kind == TriggerManual && len(r.Version) > 0 {
		return r.Version
	}
	return r.SHA
}
