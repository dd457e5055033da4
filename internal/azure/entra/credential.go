// Package entra implements an Azure Entra ID credential that acquires
// tokens either through the OAuth2 client credentials grant or through
// the interactive authorization-code-with-PKCE user flow, including TOTP
// based MFA, entirely over HTTP. The credential satisfies
// azcore.TokenCredential so it plugs straight into the Azure SDK
// clients.
package entra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
)

// AuthMethod selects which OAuth2 flow the credential runs.
type AuthMethod int

const (
	// AuthMethodNone means the credential is not usable.
	AuthMethodNone AuthMethod = iota

	// AuthMethodClient runs the client credentials grant.
	AuthMethodClient

	// AuthMethodUser runs the interactive authorization code flow.
	AuthMethodUser
)

// defaultTokenLifetime is assumed when a token carries no usable exp
// claim.
const defaultTokenLifetime = 3000 * time.Second

// cookieTokenMargin is subtracted from the session cookie expiry when
// the cookie itself is the access token.
const cookieTokenMargin = 600 * time.Second

// FlowError is any failure inside an authentication flow: a non-200
// response, a missing token, or an unparsable login page.
type FlowError struct {
	Message string
}

func (e *FlowError) Error() string {
	return e.Message
}

func flowErrorf(format string, args ...any) *FlowError {
	return &FlowError{Message: fmt.Sprintf(format, args...)}
}

// Credential acquires and caches Entra ID access tokens.
type Credential struct {
	Username string
	Password string
	Tenant   string
	ClientID string

	// Redirect is the registered redirect URI for the user flow. When
	// empty and Initialize is empty too, a temporary localhost server
	// provides one.
	Redirect string

	// Initialize is the application sign-in URL for the cookie token
	// delivery mode.
	Initialize string

	// OTPSecret is the TOTP shared secret, required when the account
	// has MFA configured.
	OTPSecret string

	// Method selects the flow; AuthMethodUser needs Username/Password,
	// AuthMethodClient needs ClientID/Password (the client secret).
	Method AuthMethod

	mu        sync.Mutex
	token     *azcore.AccessToken
	refreshed bool

	httpClient *http.Client
	now        func() time.Time
}

// NewCredential builds a credential with a retrying HTTP client and a
// cookie jar, which the user flow depends on for session continuity.
func NewCredential(username, password, tenant string, method AuthMethod) (*Credential, error) {
	if tenant == "" {
		return nil, fmt.Errorf("a tenant is required")
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = 3
	retry.RetryWaitMin = 500 * time.Millisecond
	retry.RetryWaitMax = 5 * time.Second
	retry.Logger = nil

	client := retry.StandardClient()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	client.Jar = jar

	return &Credential{
		Username:   username,
		Password:   password,
		Tenant:     tenant,
		Method:     method,
		httpClient: client,
		now:        time.Now,
	}, nil
}

// GetToken implements azcore.TokenCredential. A cached token is returned
// while it is still valid; otherwise a new one is acquired and the
// refreshed flag is armed.
func (c *Credential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && c.token.ExpiresOn.After(c.now()) {
		return *c.token, nil
	}

	var (
		token *azcore.AccessToken
		err   error
	)

	switch c.Method {
	case AuthMethodClient:
		token, err = c.clientFlow(ctx, options.Scopes)
	case AuthMethodUser:
		token, err = c.userFlow(ctx, options.Scopes)
	default:
		return azcore.AccessToken{}, flowErrorf("credential has no authentication method")
	}

	if err != nil {
		return azcore.AccessToken{}, err
	}

	if c.token != nil {
		c.refreshed = true
	}
	c.token = token

	return *c.token, nil
}

// Refreshed reports whether the token was re-acquired since the last
// call; reading it clears the flag.
func (c *Credential) Refreshed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	refreshed := c.refreshed
	c.refreshed = false
	return refreshed
}

// authorityURL resolves the tenant to a login.microsoftonline.com base
// URL, unless the tenant is already a full URL.
func (c *Credential) authorityURL() string {
	if strings.HasPrefix(c.Tenant, "http://") || strings.HasPrefix(c.Tenant, "https://") {
		return strings.TrimSuffix(c.Tenant, "/")
	}
	return "https://login.microsoftonline.com/" + c.Tenant
}

// clientFlow runs the OAuth2 client credentials grant.
func (c *Credential) clientFlow(ctx context.Context, scopes []string) (*azcore.AccessToken, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.ClientID},
		"client_secret": {c.Password},
		"scope":         {strings.Join(scopes, " ")},
		"tenant":        {c.Tenant},
	}

	payload, err := c.postForm(ctx, c.authorityURL()+"/oauth2/v2.0/token", form)
	if err != nil {
		return nil, err
	}

	return tokenFromResponse(payload, c.now())
}

// tokenFromResponse extracts id_token or access_token from a token
// endpoint response and derives the expiry from the JWT exp claim.
func tokenFromResponse(payload []byte, now time.Time) (*azcore.AccessToken, error) {
	var body struct {
		IDToken     string `json:"id_token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, flowErrorf("unable to decode token response: %v", err)
	}

	raw := body.IDToken
	if raw == "" {
		raw = body.AccessToken
	}
	if raw == "" {
		return nil, flowErrorf("no id_token or access_token in response")
	}

	return &azcore.AccessToken{
		Token:     raw,
		ExpiresOn: tokenExpiry(raw, now),
	}, nil
}

// tokenExpiry decodes the exp claim without verifying the signature;
// the token is consumed locally, not trusted.
func tokenExpiry(raw string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		logger.Debug("unable to decode token expiry", "error", err)
		return now.Add(defaultTokenLifetime)
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return now.Add(defaultTokenLifetime)
	}

	return expiry.Time
}

// postForm sends a form POST and returns the body; any non-200 status is
// a FlowError.
func (c *Credential) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, flowErrorf("%s returned %d", endpoint, resp.StatusCode)
	}

	return payload, nil
}
