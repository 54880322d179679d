package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Well-known API paths and headers.
const (
	RefreshPath          = "/api/auth/refresh"
	LoginPath            = "/api/auth/login"
	LogoutPath           = "/api/auth/logout"
	DefaultExpiredHeader = "X-Token-Expired"
	RequestIDHeader      = "X-Request-ID"
)

// TokenSource provides the access token currently held by the session.
type TokenSource interface {
	AccessToken() string
}

// Refresher obtains a new access token, reporting false when it cannot.
type Refresher interface {
	Refresh(ctx context.Context) (string, bool)
}

// GatewayConfig holds configuration for creating a Gateway.
type GatewayConfig struct {
	// BaseURL is the API root relative targets are resolved against.
	BaseURL string
	// HTTPClient sends all requests. If nil, NewHTTPClient(DefaultRequestTimeout) is used.
	HTTPClient *http.Client
	// Tokens supplies the access token. If nil, every request is anonymous.
	Tokens TokenSource
	// Refresher is asked for a new token when a response signals expiry.
	// If nil, expired responses are returned unchanged.
	Refresher Refresher
	// PublicPaths never carry credentials and never trigger a refresh.
	// Defaults to the refresh and login endpoints.
	PublicPaths []string
	// ExpiredHeader is the response header whose value "true" marks an
	// expired access token. Defaults to X-Token-Expired.
	ExpiredHeader string
}

// RequestOptions describes an outbound request. Body is kept as bytes so
// the request can be sent a second time after a refresh.
type RequestOptions struct {
	Method string
	Header http.Header
	Body   []byte
}

// Gateway sends authenticated requests to the API. It attaches the current
// access token, and when the server answers with the expiry marker it asks
// the Refresher for a new token and replays the request exactly once.
//
// Gateway is safe for concurrent use.
type Gateway struct {
	baseURL       string
	httpClient    *http.Client
	tokens        TokenSource
	refresher     Refresher
	public        map[string]struct{}
	expiredHeader string
}

// NewGateway creates a Gateway.
func NewGateway(config GatewayConfig) (*Gateway, error) {
	base, err := normalizeBaseURL(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultRequestTimeout)
	}

	header := config.ExpiredHeader
	if header == "" {
		header = DefaultExpiredHeader
	}

	g := &Gateway{
		baseURL:       base,
		httpClient:    httpClient,
		tokens:        config.Tokens,
		refresher:     config.Refresher,
		public:        make(map[string]struct{}),
		expiredHeader: header,
	}

	paths := config.PublicPaths
	if paths == nil {
		paths = []string{RefreshPath, LoginPath}
	}
	for _, p := range paths {
		resolved, err := g.ResolveURL(p)
		if err != nil {
			return nil, fmt.Errorf("client: invalid public path %q: %w", p, err)
		}
		g.public[publicKey(resolved)] = struct{}{}
	}
	return g, nil
}

// BaseURL returns the normalized API root.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// HTTPClient returns the client used for all requests.
func (g *Gateway) HTTPClient() *http.Client {
	return g.httpClient
}

// ResolveURL turns target into an absolute URL. Absolute http(s) targets
// are kept; anything else is treated as a path under the base URL.
func (g *Gateway) ResolveURL(target string) (*url.URL, error) {
	raw := target
	if !isAbsoluteURL(target) {
		raw = joinURL(g.baseURL, target)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// IsPublic reports whether target is one of the public paths.
func (g *Gateway) IsPublic(target string) bool {
	u, err := g.ResolveURL(target)
	if err != nil {
		return false
	}
	_, ok := g.public[publicKey(u)]
	return ok
}

// publicKey identifies a URL by scheme, host and path; the query is ignored.
func publicKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + "/" + strings.Trim(u.EscapedPath(), "/")
}

// Do sends the request described by opts to target.
//
// The response of the first attempt is returned as-is unless it carries the
// expiry marker. In that case Do asks the Refresher for a new token: without
// one the original response is returned unchanged, with one the request is
// replayed once and the replay's response is returned whatever its status.
// An error is returned only when a request could not be sent at all.
func (g *Gateway) Do(ctx context.Context, target string, opts RequestOptions) (*http.Response, error) {
	u, err := g.ResolveURL(target)
	if err != nil {
		return nil, fmt.Errorf("client: invalid request target %q: %w", target, err)
	}
	_, public := g.public[publicKey(u)]

	requestID := opts.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	token := ""
	if g.tokens != nil && !public {
		token = g.tokens.AccessToken()
	}

	resp, err := g.send(ctx, u, opts, token, public, requestID)
	if err != nil {
		return nil, err
	}
	if public || !g.expired(resp) {
		return resp, nil
	}

	log.Debug().Str("url", u.String()).Str("request_id", requestID).Msg("Access token expired, refreshing")
	if g.refresher == nil {
		return resp, nil
	}
	newToken, ok := g.refresher.Refresh(ctx)
	if !ok {
		log.Info().Str("url", u.String()).Msg("Refresh failed, returning original response")
		return resp, nil
	}

	drainAndClose(resp)
	log.Debug().Str("url", u.String()).Str("request_id", requestID).Msg("Replaying request with refreshed token")
	return g.send(ctx, u, opts, newToken, public, requestID)
}

// send builds and sends one attempt of a request.
func (g *Gateway) send(ctx context.Context, u *url.URL, opts RequestOptions, token string, public bool, requestID string) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		log.Error().Err(err).Str("method", method).Str("url", u.String()).Msg("Failed to create HTTP request object")
		return nil, err
	}

	if opts.Header != nil {
		req.Header = opts.Header.Clone()
	}
	req.Header.Set(RequestIDHeader, requestID)
	if token != "" && !public {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}

	log.Debug().Str("method", method).Str("url", u.String()).Bool("authenticated", token != "" && !public).Msg("Sending HTTP request")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("method", method).Str("url", u.String()).Msg("HTTP request failed")
		return nil, err
	}
	log.Debug().Str("method", method).Str("url", u.String()).Int("status", resp.StatusCode).Msg("HTTP request completed")
	return resp, nil
}

func (g *Gateway) expired(resp *http.Response) bool {
	return strings.EqualFold(strings.TrimSpace(resp.Header.Get(g.expiredHeader)), "true")
}

// Get sends a GET request through Do.
func (g *Gateway) Get(ctx context.Context, target string) (*http.Response, error) {
	return g.Do(ctx, target, RequestOptions{Method: http.MethodGet, Header: acceptJSON()})
}

// Delete sends a DELETE request through Do.
func (g *Gateway) Delete(ctx context.Context, target string) (*http.Response, error) {
	return g.Do(ctx, target, RequestOptions{Method: http.MethodDelete, Header: acceptJSON()})
}

// PostJSON sends body encoded as JSON with POST.
func (g *Gateway) PostJSON(ctx context.Context, target string, body any) (*http.Response, error) {
	return g.sendJSON(ctx, http.MethodPost, target, body)
}

// PutJSON sends body encoded as JSON with PUT.
func (g *Gateway) PutJSON(ctx context.Context, target string, body any) (*http.Response, error) {
	return g.sendJSON(ctx, http.MethodPut, target, body)
}

// PatchJSON sends body encoded as JSON with PATCH.
func (g *Gateway) PatchJSON(ctx context.Context, target string, body any) (*http.Response, error) {
	return g.sendJSON(ctx, http.MethodPatch, target, body)
}

func (g *Gateway) sendJSON(ctx context.Context, method, target string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("client: failed to encode request body: %w", err)
	}
	header := acceptJSON()
	header.Set("Content-Type", "application/json")
	return g.Do(ctx, target, RequestOptions{Method: method, Header: header, Body: payload})
}

func acceptJSON() http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	return h
}
