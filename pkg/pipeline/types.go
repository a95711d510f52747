package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nais/envdeploy/pkg/environment"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionReplace Action = "replace"
)

type Change struct {
	Address string `json:"address"`
	Action  Action `json:"action"`
}

// PlanResult is the outcome of planning one environment.
type PlanResult struct {
	Environment string   `json:"environment"`
	Changes     []Change `json:"changes"`
	Diff        string   `json:"diff"`

	// Saved plan consumed by the applier.
	File string `json:"-"`
}

func (p *PlanResult) HasChanges() bool {
	return p != nil && len(p.Changes) > 0
}

// Equivalent reports whether two plans propose the same changes in the same order.
func (p *PlanResult) Equivalent(other *PlanResult) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.Environment != other.Environment || len(p.Changes) != len(other.Changes) {
		return false
	}
	for i := range p.Changes {
		if p.Changes[i] != other.Changes[i] {
			return false
		}
	}
	return true
}

// Summary counts changes per action, in the style of "2 to add, 0 to change, 1 to destroy".
func (p *PlanResult) Summary() string {
	var add, change, destroy int
	for _, c := range p.Changes {
		switch c.Action {
		case ActionCreate:
			add++
		case ActionUpdate:
			change++
		case ActionDelete:
			destroy++
		case ActionReplace:
			add++
			destroy++
		}
	}
	return fmt.Sprintf("%d to add, %d to change, %d to destroy", add, change, destroy)
}

func (p *PlanResult) Addresses() []string {
	addresses := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		addresses = append(addresses, c.Address)
	}
	return addresses
}

type ApplyResult struct {
	Applied   []string `json:"applied"`
	Unapplied []string `json:"unapplied"`
}

// Grant is a short-lived credential for a single service account.
// It is owned by the run that requested it and never persisted.
type Grant struct {
	ServiceAccount string
	AccessToken    string
	Expiry         time.Time

	// Workflow run the identity assertion was issued to.
	// Repository is always set; the rest are empty when the identity provider did not assert them.
	Repository string
	Event      string
	Ref        string
	SHA        string
}

// Covers returns an error unless the grant was issued to the workflow run that made the request.
func (g *Grant) Covers(req Request) error {
	if len(g.Repository) == 0 || !strings.EqualFold(g.Repository, req.Repository.FullName()) {
		return fmt.Errorf("identity was issued to repository %q, not %q", g.Repository, req.Repository.FullName())
	}

	if len(g.Event) > 0 && TriggerForEvent(g.Event) != req.Kind {
		return fmt.Errorf("identity was issued to a %s workflow, not %s", g.Event, req.Kind)
	}

	if req.Kind == TriggerPullRequest {
		// pull_request runs get refs/pull/<number>/merge, pull_request_target runs the base branch.
		number, ok := pullRequestNumber(g.Ref)
		switch {
		case ok && number != req.PullRequest:
			return fmt.Errorf("identity was issued to pull request #%d, not #%d", number, req.PullRequest)
		case !ok && len(g.Ref) > 0 && len(req.BaseRef) > 0 && g.Ref != "refs/heads/"+req.BaseRef:
			return fmt.Errorf("identity was issued to ref %q, not base branch %q", g.Ref, req.BaseRef)
		}
		return nil
	}

	if len(g.Ref) > 0 && g.Ref != req.Ref {
		return fmt.Errorf("identity was issued to ref %q, not %q", g.Ref, req.Ref)
	}
	if len(g.SHA) > 0 && g.SHA != req.SHA {
		return fmt.Errorf("identity was issued to commit %s, not %s", g.SHA, req.SHA)
	}
	return nil
}

func pullRequestNumber(ref string) (int, bool) {
	parts := strings.Split(ref, "/")
	if len(parts) != 4 || parts[0] != "refs" || parts[1] != "pull" {
		return 0, false
	}
	number, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, false
	}
	return number, true
}

func (g *Grant) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: g.AccessToken,
		TokenType:   "Bearer",
		Expiry:      g.Expiry,
	}
}

func (g *Grant) Valid() bool {
	return g != nil && len(g.AccessToken) > 0 && (g.Expiry.IsZero() || time.Now().Before(g.Expiry))
}

func (g *Grant) String() string {
	return fmt.Sprintf("grant for %s (repository %s, expires %s, token ***REDACTED***)", g.ServiceAccount, g.Repository, g.Expiry.Format(time.RFC3339))
}

// Workspace is everything a stage needs to act on one environment.
type Workspace struct {
	Environment *environment.Environment
	Source      string
	Grant       *Grant
}

// Pointer identifies what the environment is serving after a deployment.
type Pointer struct {
	Image string `json:"image,omitempty"`
	URL   string `json:"url,omitempty"`
}

type OutcomeStatus string

const (
	StatusSucceeded OutcomeStatus = "succeeded"
	StatusFailed    OutcomeStatus = "failed"
	StatusSkipped   OutcomeStatus = "skipped"
)

type Outcome struct {
	RunID       string        `json:"runID"`
	Variant     Variant       `json:"variant"`
	Environment string        `json:"environment"`
	Status      OutcomeStatus `json:"status"`
	State       State         `json:"state"`
	Pointer     *Pointer      `json:"pointer,omitempty"`
	Plan        *PlanResult   `json:"plan,omitempty"`
	Partial     bool          `json:"partial"`

	// Mutating stages that completed before the run ended.
	Mutations []Stage      `json:"mutations,omitempty"`
	History   []Transition `json:"history"`
	Err       *Error       `json:"-"`
}

func (o *Outcome) Error() error {
	if o == nil || o.Err == nil {
		return nil
	}
	return o.Err
}
