package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/habedi/trackr/auth"
)

// ErrMissingAccessToken is returned when a token response carries no access token.
var ErrMissingAccessToken = errors.New("token response carried no access token")

// RefreshClient implements the auth.Exchanger interface against the API's
// refresh endpoint.
type RefreshClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewRefreshClient returns a RefreshClient for the refresh endpoint under baseURL.
func NewRefreshClient(baseURL string, httpClient *http.Client) (*RefreshClient, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultRequestTimeout)
	}
	return &RefreshClient{URL: joinURL(base, RefreshPath), HTTPClient: httpClient}, nil
}

// Exchange posts the refresh token and returns the new tokens. Any non-2xx
// status, transport failure or malformed body is an error.
func (c *RefreshClient) Exchange(ctx context.Context, refreshToken string) (auth.Tokens, error) {
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return auth.Tokens{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("failed to send refresh request: %w", err)
	}

	body, err := checkResponse(resp)
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("token refresh failed: %w", err)
	}
	return parseTokenResponse(body)
}

// tokenResponse accepts both snake_case and camelCase token fields.
type tokenResponse struct {
	Data struct {
		AccessToken       string `json:"access_token"`
		RefreshToken      string `json:"refresh_token"`
		AccessTokenCamel  string `json:"accessToken"`
		RefreshTokenCamel string `json:"refreshToken"`
	} `json:"data"`
}

func parseTokenResponse(body []byte) (auth.Tokens, error) {
	var result tokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return auth.Tokens{}, fmt.Errorf("failed to parse token response: %w", err)
	}

	tokens := auth.Tokens{
		AccessToken:  firstNonEmpty(result.Data.AccessToken, result.Data.AccessTokenCamel),
		RefreshToken: firstNonEmpty(result.Data.RefreshToken, result.Data.RefreshTokenCamel),
	}
	if tokens.AccessToken == "" {
		return auth.Tokens{}, ErrMissingAccessToken
	}
	return tokens, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
