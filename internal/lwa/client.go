package lwa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/skybridge-home/alexahub/internal/util"
)

// TokenResponse is the decoded token endpoint answer.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Validate enforces the response shape Amazon documents. A 200 body that
// fails validation is an error, not a success.
func (t *TokenResponse) Validate() error {
	if t.AccessToken == "" {
		return fmt.Errorf("lwa: token response missing access_token")
	}
	if t.RefreshToken == "" {
		return fmt.Errorf("lwa: token response missing refresh_token")
	}
	if t.TokenType == "" {
		return fmt.Errorf("lwa: token response missing token_type")
	}
	if !strings.EqualFold(t.TokenType, "Bearer") {
		return fmt.Errorf("lwa: unexpected token_type %q", t.TokenType)
	}
	if t.ExpiresIn <= 0 {
		return fmt.Errorf("lwa: token response has non-positive expires_in")
	}
	if !strings.HasPrefix(t.AccessToken, AccessTokenPrefix) {
		return fmt.Errorf("lwa: access_token does not carry the %q prefix", AccessTokenPrefix)
	}
	if !strings.HasPrefix(t.RefreshToken, RefreshTokenPrefix) {
		return fmt.Errorf("lwa: refresh_token does not carry the %q prefix", RefreshTokenPrefix)
	}
	return nil
}

// Client talks to Login-with-Amazon for one security profile.
type Client struct {
	clientID     string
	clientSecret string
	region       string
	scope        string
	httpClient   *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithRegion selects the regional endpoint set. Default na.
func WithRegion(region string) Option {
	return func(c *Client) {
		if region != "" {
			c.region = region
		}
	}
}

// WithScope overrides the requested scope. Default smart_home.
func WithScope(scope string) Option {
	return func(c *Client) {
		if scope != "" {
			c.scope = scope
		}
	}
}

// WithHTTPClient supplies a custom HTTP client, typically one carrying the
// configured outbound proxy.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client for the given security-profile credentials.
func NewClient(clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		region:       RegionNA,
		scope:        DefaultScope,
		httpClient:   &http.Client{Timeout: HTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Region returns the client's endpoint region.
func (c *Client) Region() string {
	return c.region
}

// Scope returns the scope the client requests.
func (c *Client) Scope() string {
	return c.scope
}

func (c *Client) endpoints() Endpoints {
	ep, err := EndpointsFor(c.region)
	if err != nil {
		ep = regionEndpoints[RegionNA]
	}
	return ep
}

// oauthConfig builds the oauth2.Config for the client's region.
func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	ep := c.endpoints()
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{c.scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.AuthURL,
			TokenURL: ep.TokenURL,
		},
	}
}

// AuthCodeURL builds the browser authorization URL carrying the PKCE
// challenge and state.
func (c *Client) AuthCodeURL(state, challenge, redirectURI string) string {
	return c.oauthConfig(redirectURI).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode trades an authorization code plus its PKCE verifier for the
// initial token pair.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	return c.tokenRequest(ctx, c.endpoints().TokenURL, form)
}

// Refresh trades a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.refreshAgainst(ctx, c.endpoints().TokenURL, refreshToken)
}

// ProbeRegion runs the refresh grant against another region's token
// endpoint. The reauth decider uses it to detect regional endpoint drift.
func (c *Client) ProbeRegion(ctx context.Context, region, refreshToken string) (*TokenResponse, error) {
	ep, err := EndpointsFor(region)
	if err != nil {
		return nil, err
	}
	return c.refreshAgainst(ctx, ep.TokenURL, refreshToken)
}

func (c *Client) refreshAgainst(ctx context.Context, tokenURL, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.tokenRequest(ctx, tokenURL, form)
}

// Revoke invalidates a refresh token. Best effort: callers log and continue
// on failure.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {c.clientID},
		"client_secret":   {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints().RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("lwa: revoke returned HTTP %d", resp.StatusCode)
	}
	log.Debugf("revoked refresh token %s", util.RedactToken(refreshToken))
	return nil
}

func (c *Client) tokenRequest(ctx context.Context, tokenURL string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	reader, err := util.DecodeResponseBody(resp)
	if err != nil {
		return nil, fmt.Errorf("lwa: failed to decode response body: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(reader, 1<<20))
	_ = reader.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: reading token response: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyErrorBody(resp.StatusCode, body)
	}

	var token TokenResponse
	if err = json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("lwa: undecodable token response: %w", err)
	}
	if err = token.Validate(); err != nil {
		return nil, err
	}
	log.Debugf("token endpoint returned access token %s (expires in %ds)",
		util.RedactToken(token.AccessToken), token.ExpiresIn)
	return &token, nil
}
