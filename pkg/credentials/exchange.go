package credentials

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	iamcredentials "google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
	sts "google.golang.org/api/sts/v1"

	"github.com/nais/envdeploy/pkg/environment"
)

const (
	DefaultScope    = "https://www.googleapis.com/auth/cloud-platform"
	DefaultLifetime = time.Hour

	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
	tokenTypeJWT           = "urn:ietf:params:oauth:token-type:jwt"
)

// AccessToken is a service account token minted for a single run.
type AccessToken struct {
	Token  string
	Expiry time.Time
}

type Exchanger interface {
	Exchange(ctx context.Context, assertion string, binding environment.Binding) (*AccessToken, error)
}

// GoogleExchanger trades a workload identity assertion for a federated token,
// and uses that to impersonate the bound service account.
type GoogleExchanger struct {
	Scopes   []string
	Lifetime time.Duration

	// Extra options for the STS and IAM Credentials clients, mostly for tests.
	STSOptions []option.ClientOption
	IAMOptions []option.ClientOption
}

func NewGoogleExchanger() *GoogleExchanger {
	return &GoogleExchanger{
		Scopes:   []string{DefaultScope},
		Lifetime: DefaultLifetime,
	}
}

func (g *GoogleExchanger) Exchange(ctx context.Context, assertion string, binding environment.Binding) (*AccessToken, error) {
	federated, err := g.federatedToken(ctx, assertion, binding.Provider)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	token, err := g.impersonate(ctx, federated, binding.ServiceAccount)
	if err != nil {
		return nil, fmt.Errorf("impersonate %s: %w", binding.ServiceAccount, err)
	}

	return token, nil
}

func (g *GoogleExchanger) federatedToken(ctx context.Context, assertion, provider string) (string, error) {
	opts := append([]option.ClientOption{option.WithoutAuthentication()}, g.STSOptions...)
	svc, err := sts.NewService(ctx, opts...)
	if err != nil {
		return "", err
	}

	resp, err := svc.V1.Token(&sts.GoogleIdentityStsV1ExchangeTokenRequest{
		Audience:           "//iam.googleapis.com/" + provider,
		GrantType:          grantTypeTokenExchange,
		RequestedTokenType: tokenTypeAccessToken,
		Scope:              DefaultScope,
		SubjectToken:       assertion,
		SubjectTokenType:   tokenTypeJWT,
	}).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(resp.AccessToken) == 0 {
		return "", fmt.Errorf("empty federated token")
	}

	return resp.AccessToken, nil
}

func (g *GoogleExchanger) impersonate(ctx context.Context, federated, serviceAccount string) (*AccessToken, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: federated, TokenType: "Bearer"})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, g.IAMOptions...)
	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}

	name := "projects/-/serviceAccounts/" + serviceAccount
	resp, err := svc.Projects.ServiceAccounts.GenerateAccessToken(name, &iamcredentials.GenerateAccessTokenRequest{
		Scope:    g.Scopes,
		Lifetime: fmt.Sprintf("%ds", int(g.Lifetime.Seconds())),
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	expiry, err := time.Parse(time.RFC3339, resp.ExpireTime)
	if err != nil {
		return nil, fmt.Errorf("parse expiry: %w", err)
	}

	return &AccessToken{
		Token:  resp.AccessToken,
		Expiry: expiry,
	}, nil
}
