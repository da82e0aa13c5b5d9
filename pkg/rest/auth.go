package rest

import (
	"context"
	"crypto/rsa"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// Authenticator adds credentials to an outgoing request.
type Authenticator interface {
	Authenticate(ctx context.Context, req *http.Request) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, req *http.Request) error

// Authenticate implements Authenticator
func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *http.Request) error {
	return f(ctx, req)
}

// HeaderAuthenticator sets fixed headers, for APIs like GitLab's
// Private-Token.
type HeaderAuthenticator struct {
	Headers map[string]string
}

// Authenticate implements Authenticator
func (a *HeaderAuthenticator) Authenticate(_ context.Context, req *http.Request) error {
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	return nil
}

// APIKeyLocation is where an API key is sent.
type APIKeyLocation string

const (
	// InHeader sends the key as a request header
	InHeader APIKeyLocation = "header"
	// InQuery sends the key as a query parameter
	InQuery APIKeyLocation = "params"
)

// APIKeyAuthenticator sends a key in a header or query parameter.
type APIKeyAuthenticator struct {
	Key      string
	Value    string
	Location APIKeyLocation
}

// NewAPIKeyAuthenticator validates the location.
func NewAPIKeyAuthenticator(key, value string, location APIKeyLocation) (*APIKeyAuthenticator, error) {
	if location != InHeader && location != InQuery {
		return nil, errors.Newf(errors.ErrorTypeConfig, "API key location must be %q or %q, got %q", InHeader, InQuery, location)
	}
	return &APIKeyAuthenticator{Key: key, Value: value, Location: location}, nil
}

// Authenticate implements Authenticator
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, req *http.Request) error {
	if a.Location == InQuery {
		q := req.URL.Query()
		q.Set(a.Key, a.Value)
		req.URL.RawQuery = q.Encode()
		return nil
	}
	req.Header.Set(a.Key, a.Value)
	return nil
}

// BearerTokenAuthenticator sends a static bearer token.
type BearerTokenAuthenticator struct {
	Token string
}

// Authenticate implements Authenticator
func (a *BearerTokenAuthenticator) Authenticate(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// BasicAuthenticator sends HTTP basic credentials.
type BasicAuthenticator struct {
	Username string
	Password string
}

// Authenticate implements Authenticator
func (a *BasicAuthenticator) Authenticate(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// TokenSourceAuthenticator sends bearer tokens from an oauth2.TokenSource,
// refreshing them as they expire.
type TokenSourceAuthenticator struct {
	source oauth2.TokenSource
}

// NewTokenSourceAuthenticator caches tokens from src until they expire.
func NewTokenSourceAuthenticator(src oauth2.TokenSource) *TokenSourceAuthenticator {
	return &TokenSourceAuthenticator{source: oauth2.ReuseTokenSource(nil, src)}
}

// Authenticate implements Authenticator
func (a *TokenSourceAuthenticator) Authenticate(_ context.Context, req *http.Request) error {
	token, err := a.source.Token()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to obtain OAuth access token")
	}
	token.SetAuthHeader(req)
	return nil
}

// OAuthConfig holds OAuth 2.0 client settings.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// RefreshToken selects the refresh_token grant instead of
	// client_credentials
	RefreshToken string
	// EndpointParams are extra form values sent to the token endpoint
	EndpointParams url.Values
	// HTTPClient performs token requests; defaults to http.DefaultClient
	HTTPClient *http.Client
}

// NewOAuthAuthenticator returns an authenticator for the client credentials
// grant, or the refresh token grant when RefreshToken is set.
func NewOAuthAuthenticator(ctx context.Context, cfg OAuthConfig) (*TokenSourceAuthenticator, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "OAuth token URL is required")
	}
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}

	if cfg.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}
		return NewTokenSourceAuthenticator(conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})), nil
	}

	conf := &clientcredentials.Config{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		TokenURL:       cfg.TokenURL,
		Scopes:         cfg.Scopes,
		EndpointParams: cfg.EndpointParams,
	}
	return NewTokenSourceAuthenticator(conf.TokenSource(ctx)), nil
}

// JWTGrantType is the OAuth grant for signed JWT assertions (RFC 7523).
const JWTGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// JWTConfig holds settings for the JWT bearer grant.
type JWTConfig struct {
	TokenURL string
	// Issuer is the iss claim, usually the client id
	Issuer string
	// Subject is the sub claim; defaults to Issuer
	Subject string
	// Audience is the aud claim; defaults to TokenURL
	Audience string
	Scopes   []string
	// PrivateKey is an unencrypted RSA private key in PEM form
	PrivateKey string
	// Lifetime of each assertion; defaults to one hour
	Lifetime   time.Duration
	HTTPClient *http.Client
}

type jwtTokenSource struct {
	ctx    context.Context
	cfg    JWTConfig
	signer *rsa.PrivateKey
	now    func() time.Time
}

// NewJWTAuthenticator signs assertions with the configured RSA key and
// exchanges them for access tokens.
func NewJWTAuthenticator(ctx context.Context, cfg JWTConfig) (*TokenSourceAuthenticator, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "OAuth token URL is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid JWT private key")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = time.Hour
	}
	src := &jwtTokenSource{ctx: ctx, cfg: cfg, signer: key, now: time.Now}
	return NewTokenSourceAuthenticator(src), nil
}

func (s *jwtTokenSource) assertion() (string, error) {
	now := s.now()
	subject := s.cfg.Subject
	if subject == "" {
		subject = s.cfg.Issuer
	}
	audience := s.cfg.Audience
	if audience == "" {
		audience = s.cfg.TokenURL
	}
	claims := jwt.MapClaims{
		"iss": s.cfg.Issuer,
		"sub": subject,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(s.cfg.Lifetime).Unix(),
		"jti": uuid.NewString(),
	}
	if len(s.cfg.Scopes) > 0 {
		claims["scope"] = strings.Join(s.cfg.Scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.signer)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   json64 `json:"expires_in"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// json64 accepts expires_in as a number or a numeric string.
type json64 int64

func (n *json64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	i, err := jsonpool.Number(s).Int64()
	if err != nil {
		return err
	}
	*n = json64(i)
	return nil
}

func (s *jwtTokenSource) Token() (*oauth2.Token, error) {
	assertion, err := s.assertion()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to sign JWT assertion")
	}
	form := url.Values{"grant_type": {JWTGrantType}, "assertion": {assertion}}
	if len(s.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(s.cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid token URL")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	client := s.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "token request failed")
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := jsonpool.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeAuthentication, "invalid token response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || body.AccessToken == "" {
		return nil, errors.Newf(errors.ErrorTypeAuthentication, "token request rejected with status %d: %s %s",
			resp.StatusCode, body.Error, body.Description)
	}

	token := &oauth2.Token{AccessToken: body.AccessToken, TokenType: body.TokenType}
	if body.ExpiresIn > 0 {
		token.Expiry = s.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	return token, nil
}
