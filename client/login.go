package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/habedi/trackr/auth"
	"github.com/rs/zerolog/log"
)

// LoginClient exchanges user credentials for a token pair.
type LoginClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewLoginClient returns a LoginClient for the login endpoint under baseURL.
func NewLoginClient(baseURL string, httpClient *http.Client) (*LoginClient, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultRequestTimeout)
	}
	return &LoginClient{URL: joinURL(base, LoginPath), HTTPClient: httpClient}, nil
}

// Login posts email and password and returns the issued tokens.
func (c *LoginClient) Login(ctx context.Context, email, password string) (auth.Tokens, error) {
	if email == "" || password == "" {
		return auth.Tokens{}, fmt.Errorf("email and password cannot be empty")
	}

	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return auth.Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	log.Info().Str("email", email).Msg("Logging in")
	resp, err := httpClient.Do(req)
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("failed to send login request: %w", err)
	}

	body, err := checkResponse(resp)
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("login failed: %w", err)
	}
	tokens, err := parseTokenResponse(body)
	if err != nil {
		return auth.Tokens{}, err
	}
	log.Debug().Str("access_token", tokenPrefix(tokens.AccessToken)).Bool("refresh_token", tokens.RefreshToken != "").Msg("Login succeeded")
	return tokens, nil
}
