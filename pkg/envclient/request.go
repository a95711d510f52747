package envclient

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	gh "github.com/google/go-github/v41/github"

	"github.com/nais/envdeploy/pkg/pipeline"
)

// Inputs of the workflow_dispatch event that override the command line.
type dispatchInputs struct {
	Version string `json:"version"`
	// Boolean inputs arrive as either strings or booleans depending on how the workflow was dispatched.
	Destroy any `json:"destroy"`
}

// BuildRequest translates the triggering GitHub Actions event into a deployment request.
// Events that do not map to a trigger kind are passed through as-is, and rejected by the dispatcher.
func BuildRequest(cfg *Config) (pipeline.Request, error) {
	repository, err := pipeline.ParseRepository(cfg.Repository)
	if err != nil {
		return pipeline.Request{}, err
	}

	destroy, err := cfg.DestroyFlag()
	if err != nil {
		return pipeline.Request{}, err
	}

	req := pipeline.Request{
		Ref:         cfg.Ref,
		SHA:         cfg.SHA,
		Repository:  repository,
		Environment: cfg.Environment,
		Version:     cfg.Version,
		Destroy:     destroy,
		Kind:        pipeline.TriggerForEvent(cfg.EventName),
	}

	switch req.Kind {
	case pipeline.TriggerPullRequest:
		event := &gh.PullRequestEvent{}
		if err := readEvent(cfg.EventPath, event); err != nil {
			return req, err
		}
		pr := event.GetPullRequest()
		req.PullRequest = event.GetNumber()
		if req.PullRequest == 0 {
			req.PullRequest = pr.GetNumber()
		}
		req.BaseRef = pr.GetBase().GetRef()
		if sha := pr.GetHead().GetSHA(); len(sha) > 0 {
			req.SHA = sha
		}

	case pipeline.TriggerManual:
		if len(cfg.EventPath) == 0 {
			break
		}
		event := &gh.WorkflowDispatchEvent{}
		if err := readEvent(cfg.EventPath, event); err != nil {
			return req, err
		}
		if err := applyInputs(&req, event.Inputs); err != nil {
			return req, err
		}
	}

	return req, nil
}

func readEvent(path string, event any) error {
	if len(path) == 0 {
		return fmt.Errorf("event payload path is required (env GITHUB_EVENT_PATH)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read event payload: %w", err)
	}
	err = json.Unmarshal(data, event)
	if err != nil {
		return fmt.Errorf("parse event payload: %w", err)
	}
	return nil
}

// Flags win over workflow inputs, so that a wrapper workflow can pin them.
func applyInputs(req *pipeline.Request, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	inputs := dispatchInputs{}
	err := json.Unmarshal(raw, &inputs)
	if err != nil {
		return fmt.Errorf("parse workflow inputs: %w", err)
	}

	if len(req.Version) == 0 {
		req.Version = strings.TrimSpace(inputs.Version)
	}
	if req.Destroy == nil && inputs.Destroy != nil {
		destroy, err := (&Config{Destroy: fmt.Sprint(inputs.Destroy)}).DestroyFlag()
		if err != nil {
			return err
		}
		req.Destroy = destroy
	}
	return nil
}
