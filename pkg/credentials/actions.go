package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

var ErrNoActionsToken = errors.New("ACTIONS_ID_TOKEN_REQUEST_URL and ACTIONS_ID_TOKEN_REQUEST_TOKEN must be set; does the workflow have 'id-token: write' permission?")

// FetchActionsToken requests an identity assertion for the given audience from the GitHub Actions runner.
func FetchActionsToken(ctx context.Context, client *http.Client, audience string) (string, error) {
	requestURL := os.Getenv("ACTIONS_ID_TOKEN_REQUEST_URL")
	requestToken := os.Getenv("ACTIONS_ID_TOKEN_REQUEST_TOKEN")
	if len(requestURL) == 0 || len(requestToken) == 0 {
		return "", ErrNoActionsToken
	}

	u, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("parse token request url: %w", err)
	}
	query := u.Query()
	query.Set("audience", audience)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+requestToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request identity token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request identity token: %s", resp.Status)
	}

	payload := struct {
		Value string `json:"value"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode identity token: %w", err)
	}
	if len(payload.Value) == 0 {
		return "", fmt.Errorf("runner returned an empty identity token")
	}

	return payload.Value, nil
}
