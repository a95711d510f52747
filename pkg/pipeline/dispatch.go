package pipeline

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

const (
	DefaultProductionBranch      = "main"
	DefaultProductionEnvironment = "production"
	DefaultValidationEnvironment = "production"
	DefaultSandboxEnvironment    = "sandbox"
)

// Dispatcher maps a trigger to exactly one pipeline variant.
type Dispatcher struct {
	ProductionBranch      string
	ProductionEnvironment string
	ValidationEnvironment string
	SandboxEnvironment    string
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		ProductionBranch:      DefaultProductionBranch,
		ProductionEnvironment: DefaultProductionEnvironment,
		ValidationEnvironment: DefaultValidationEnvironment,
		SandboxEnvironment:    DefaultSandboxEnvironment,
	}
}

// Dispatch selects the variant for a request and returns a normalized copy of it.
// VariantNone means the trigger is valid but nothing should run.
func (d *Dispatcher) Dispatch(request Request) (Variant, Request, error) {
	req := request
	if req.Destroy != nil {
		destroy := *req.Destroy
		req.Destroy = &destroy
	}
	if len(req.ID) == 0 {
		req.ID = uuid.New().String()
	}
	if req.Time.IsZero() {
		req.Time = time.Now()
	}

	var variant Variant
	var environment string

	switch req.Kind {
	case TriggerPush:
		if req.Branch() != d.ProductionBranch {
			return VariantNone, req, nil
		}
		if len(req.SHA) == 0 {
			return VariantNone, req, Errorf(KindInvalidRequest, "push event without commit hash")
		}
		variant = VariantProduction
		environment = d.ProductionEnvironment

	case TriggerPullRequest:
		if req.PullRequest <= 0 {
			return VariantNone, req, Errorf(KindInvalidRequest, "pull request number is required")
		}
		variant = VariantValidation
		environment = d.ValidationEnvironment

	case TriggerManual:
		if len(req.Version) == 0 {
			return VariantNone, req, Errorf(KindInvalidRequest, "manual runs require a version")
		}
		version, err := semver.StrictNewVersion(req.Version)
		if err != nil {
			return VariantNone, req, Errorf(KindInvalidRequest, "version %q is not a valid semantic version: %s", req.Version, err)
		}
		// The version becomes the image tag, and tags cannot contain '+'.
		if len(version.Metadata()) > 0 {
			return VariantNone, req, Errorf(KindInvalidRequest, "version %q carries build metadata, which cannot be used as an image tag", req.Version)
		}
		if req.Destroy == nil {
			return VariantNone, req, Errorf(KindInvalidRequest, "manual runs require an explicit destroy flag")
		}
		variant = VariantSandbox
		environment = d.SandboxEnvironment

	default:
		return VariantNone, req, Errorf(KindInvalidRequest, "unsupported trigger kind %q", req.Kind)
	}

	if len(req.Environment) == 0 {
		req.Environment = environment
	}

	return variant, req, nil
}
