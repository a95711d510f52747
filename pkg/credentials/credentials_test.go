package credentials_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/nais/envdeploy/pkg/credentials"
	"github.com/nais/envdeploy/pkg/environment"
	"github.com/nais/envdeploy/pkg/pipeline"
)

type signer struct {
	key jwk.Key
	set jwk.Set
}

func newSigner(t *testing.T) *signer {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(key)
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	return &signer{key: key, set: set}
}

func (s *signer) sign(t *testing.T, audience, repository string, expiry time.Time) string {
	return s.signClaims(t, audience, expiry, map[string]string{
		"repository": repository,
		"event_name": "push",
		"ref":        "refs/heads/main",
		"sha":        "abc123",
	})
}

func (s *signer) signClaims(t *testing.T, audience string, expiry time.Time, claims map[string]string) string {
	builder := jwt.NewBuilder().
		Issuer(credentials.Issuer).
		Audience([]string{audience}).
		IssuedAt(time.Now()).
		Expiration(expiry)
	for name, value := range claims {
		builder = builder.Claim(name, value)
	}
	token, err := builder.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, s.key))
	require.NoError(t, err)
	return string(signed)
}

type fakeExchanger struct {
	calls int
	err   error
}

func (f *fakeExchanger) Exchange(_ context.Context, _ string, binding environment.Binding) (*credentials.AccessToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &credentials.AccessToken{Token: "ya29.token-for-" + binding.ServiceAccount, Expiry: time.Now().Add(time.Hour)}, nil
}

func testEnvironment() *environment.Environment {
	return &environment.Environment{
		Name: "production",
		Identity: environment.Binding{
			Provider:       "projects/123/locations/global/workloadIdentityPools/github/providers/github",
			ServiceAccount: "deployer@myapp.iam.gserviceaccount.com",
			Repository:     "navikt/myapp",
		},
	}
}

func TestBroker(t *testing.T) {
	s := newSigner(t)
	validator := credentials.NewValidator(&credentials.StaticKeySet{Set: s.set})
	ctx := context.Background()

	t.Run("valid assertion yields a grant", func(t *testing.T) {
		exchanger := &fakeExchanger{}
		broker := &credentials.Broker{Validator: validator, Exchanger: exchanger}

		grant, err := broker.Authenticate(ctx, s.sign(t, credentials.Audience, "NAVIKT/myapp", time.Now().Add(time.Minute)), testEnvironment())
		require.NoError(t, err)
		assert.True(t, grant.Valid())
		assert.Equal(t, "deployer@myapp.iam.gserviceaccount.com", grant.ServiceAccount)
		assert.Equal(t, "NAVIKT/myapp", grant.Repository)
		assert.Equal(t, "push", grant.Event)
		assert.Equal(t, "refs/heads/main", grant.Ref)
		assert.Equal(t, "abc123", grant.SHA)
		assert.Equal(t, 1, exchanger.calls)
		assert.NotContains(t, grant.String(), grant.AccessToken)
	})

	for _, tt := range []struct {
		name      string
		assertion func() string
	}{
		{"missing assertion", func() string { return "" }},
		{"garbage", func() string { return "not.a.jwt" }},
		{"wrong audience", func() string { return s.sign(t, "other-audience", "navikt/myapp", time.Now().Add(time.Minute)) }},
		{"expired", func() string { return s.sign(t, credentials.Audience, "navikt/myapp", time.Now().Add(-time.Minute)) }},
		{"other repository", func() string { return s.sign(t, credentials.Audience, "navikt/other", time.Now().Add(time.Minute)) }},
		{"no workflow claims", func() string {
			return s.signClaims(t, credentials.Audience, time.Now().Add(time.Minute), map[string]string{"repository": "navikt/myapp"})
		}},
		{"signed by unknown key", func() string {
			return newSigner(t).sign(t, credentials.Audience, "navikt/myapp", time.Now().Add(time.Minute))
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			exchanger := &fakeExchanger{}
			broker := &credentials.Broker{Validator: validator, Exchanger: exchanger}

			grant, err := broker.Authenticate(ctx, tt.assertion(), testEnvironment())
			assert.Nil(t, grant)
			assert.Equal(t, pipeline.KindAuthentication, pipeline.KindOf(err))
			assert.Zero(t, exchanger.calls)
		})
	}

	t.Run("exchange failure", func(t *testing.T) {
		broker := &credentials.Broker{Validator: validator, Exchanger: &fakeExchanger{err: errors.New("permission denied")}}
		_, err := broker.Authenticate(ctx, s.sign(t, credentials.Audience, "navikt/myapp", time.Now().Add(time.Minute)), testEnvironment())
		assert.Equal(t, pipeline.KindAuthentication, pipeline.KindOf(err))
		assert.ErrorContains(t, err, "permission denied")
	})
}

func TestGoogleExchanger(t *testing.T) {
	var federatedSeen bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		switch {
		case r.URL.Path == "/v1/token":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["subjectToken"] != "assertion" || !strings.HasPrefix(body["audience"].(string), "//iam.googleapis.com/projects/123") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":      "federated",
				"issued_token_type": "urn:ietf:params:oauth:token-type:access_token",
				"token_type":        "Bearer",
				"expires_in":        3600,
			})
		case strings.HasSuffix(r.URL.Path, ":generateAccessToken"):
			federatedSeen = r.Header.Get("authorization") == "Bearer federated"
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accessToken": "ya29.impersonated",
				"expireTime":  "2030-01-01T00:00:00Z",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	exchanger := credentials.NewGoogleExchanger()
	exchanger.STSOptions = []option.ClientOption{option.WithEndpoint(server.URL + "/")}
	exchanger.IAMOptions = []option.ClientOption{option.WithEndpoint(server.URL + "/")}

	token, err := exchanger.Exchange(context.Background(), "assertion", testEnvironment().Identity)
	require.NoError(t, err)
	assert.Equal(t, "ya29.impersonated", token.Token)
	assert.Equal(t, 2030, token.Expiry.Year())
	assert.True(t, federatedSeen)

	_, err = exchanger.Exchange(context.Background(), "forged", testEnvironment().Identity)
	assert.Error(t, err)
}
