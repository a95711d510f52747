package credentials

import (
	"context"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"
	log "github.com/sirupsen/logrus"

	"github.com/nais/envdeploy/pkg/environment"
	"github.com/nais/envdeploy/pkg/pipeline"
)

// Claims GitHub sets on every workflow identity token.
const (
	repositoryClaim = "repository"
	eventClaim      = "event_name"
	refClaim        = "ref"
	shaClaim        = "sha"
)

func stringClaim(token jwt.Token, name string) string {
	claim, _ := token.Get(name)
	value, _ := claim.(string)
	return value
}

// Broker implements pipeline.Authenticator. The assertion must be issued to the
// repository bound to the environment before any exchange takes place.
type Broker struct {
	Validator *Validator
	Exchanger Exchanger
}

func (b *Broker) Authenticate(ctx context.Context, assertion string, env *environment.Environment) (*pipeline.Grant, error) {
	if len(assertion) == 0 {
		return nil, pipeline.Errorf(pipeline.KindAuthentication, "no identity assertion provided")
	}

	token, err := b.Validator.Validate(ctx, assertion)
	if err != nil {
		return nil, pipeline.ErrorWrap(pipeline.KindAuthentication, err)
	}

	repository := stringClaim(token, repositoryClaim)
	if !strings.EqualFold(repository, env.Identity.Repository) {
		return nil, pipeline.Errorf(pipeline.KindAuthentication, "repository %q is not allowed to deploy to environment %q", repository, env.Name)
	}

	event, ref, sha := stringClaim(token, eventClaim), stringClaim(token, refClaim), stringClaim(token, shaClaim)
	if len(event) == 0 || len(ref) == 0 || len(sha) == 0 {
		return nil, pipeline.Errorf(pipeline.KindAuthentication, "identity assertion does not name the workflow run it was issued to")
	}

	log.WithFields(log.Fields{
		"repository":      repository,
		"event":           event,
		"ref":             ref,
		"environment":     env.Name,
		"service_account": env.Identity.ServiceAccount,
	}).Debugf("Identity assertion accepted")

	accessToken, err := b.Exchanger.Exchange(ctx, assertion, env.Identity)
	if err != nil {
		return nil, pipeline.ErrorWrap(pipeline.KindAuthentication, err)
	}

	return &pipeline.Grant{
		ServiceAccount: env.Identity.ServiceAccount,
		AccessToken:    accessToken.Token,
		Expiry:         accessToken.Expiry,
		Repository:     repository,
		Event:          event,
		Ref:            ref,
		SHA:            sha,
	}, nil
}

var _ pipeline.Authenticator = &Broker{}
