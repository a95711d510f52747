package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	Audience               = "envdeploy"
	GithubOIDCDiscoveryURL = "https://token.actions.githubusercontent.com/.well-known/jwks"
	Issuer                 = "https://token.actions.githubusercontent.com"
)

// KeySet returns the public keys used to verify identity assertions.
type KeySet interface {
	Keys(ctx context.Context) (jwk.Set, error)
}

type cachedKeySet struct {
	cache *jwk.Cache
	url   string
}

func (c *cachedKeySet) Keys(ctx context.Context) (jwk.Set, error) {
	return c.cache.Get(ctx, c.url)
}

// StaticKeySet never refreshes.
type StaticKeySet struct {
	Set jwk.Set
}

func (s *StaticKeySet) Keys(context.Context) (jwk.Set, error) {
	return s.Set, nil
}

// NewGithubKeySet fetches the GitHub Actions signing keys and refreshes them hourly
// for as long as ctx is alive.
func NewGithubKeySet(ctx context.Context) (KeySet, error) {
	cache := jwk.NewCache(ctx)
	err := cache.Register(GithubOIDCDiscoveryURL, jwk.WithRefreshInterval(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("jwks caching: %w", err)
	}
	// force initial refresh
	_, err = cache.Refresh(ctx, GithubOIDCDiscoveryURL)
	if err != nil {
		return nil, fmt.Errorf("jwks caching: %w", err)
	}
	return &cachedKeySet{cache: cache, url: GithubOIDCDiscoveryURL}, nil
}

type Validator struct {
	KeySet   KeySet
	Issuer   string
	Audience string
}

func NewValidator(keySet KeySet) *Validator {
	return &Validator{
		KeySet:   keySet,
		Issuer:   Issuer,
		Audience: Audience,
	}
}

func (v *Validator) Validate(ctx context.Context, token string) (jwt.Token, error) {
	pubKeys, err := v.KeySet.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("get jwk from cache: %w", err)
	}
	keySetOpts := jwt.WithKeySet(pubKeys, jws.WithInferAlgorithmFromKey(true))
	t, err := jwt.Parse([]byte(token), append(v.jwtOptions(), keySetOpts)...)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT token: %w", err)
	}
	return t, nil
}

func (v *Validator) jwtOptions() []jwt.ParseOption {
	return []jwt.ParseOption{
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(5 * time.Second),
		jwt.WithIssuer(v.Issuer),
		jwt.WithAudience(v.Audience),
	}
}
