package entra

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
)

// defaultUserScopes is used when the caller supplies no scopes.
var defaultUserScopes = []string{"openid", "profile", "offline_access"}

// totpAuthMethod is the only MFA method the flow can satisfy.
const totpAuthMethod = "PhoneAppOTP"

// sessionCookieName is the cookie that carries the access token in the
// cookie delivery mode.
const sessionCookieName = ".AspNetCore.Cookies"

// loginConfig is the subset of the Config={...}; javascript blob the
// login pages embed that the flow needs to continue.
type loginConfig struct {
	URLGetCredentialType    string      `json:"urlGetCredentialType"`
	URLPost                 string      `json:"urlPost"`
	URLBeginAuth            string      `json:"urlBeginAuth"`
	URLEndAuth              string      `json:"urlEndAuth"`
	FlowToken               string      `json:"sFT"`
	OriginalRequest         string      `json:"sCtx"`
	APICanary               string      `json:"apiCanary"`
	Canary                  string      `json:"canary"`
	CorrelationID           string      `json:"correlationId"`
	SessionID               string      `json:"sessionId"`
	Hpgact                  int         `json:"hpgact"`
	Hpgid                   int         `json:"hpgid"`
	Country                 string      `json:"country"`
	ServiceExceptionMessage string      `json:"strServiceExceptionMessage"`
	UserProofs              []userProof `json:"arrUserProofs"`
}

type userProof struct {
	AuthMethodID     string   `json:"authMethodId"`
	PhoneAppOtpTypes []string `json:"phoneAppOtpTypes"`
}

// pkcePair is the verifier/challenge pair for one authorization attempt.
type pkcePair struct {
	verifier  string
	challenge string
}

func newPKCEPair() (pkcePair, error) {
	seed := make([]byte, 96)
	if _, err := rand.Read(seed); err != nil {
		return pkcePair{}, fmt.Errorf("generate code verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(seed)
	if len(verifier) > 128 {
		verifier = verifier[:128]
	}

	digest := sha256.Sum256([]byte(verifier))
	return pkcePair{
		verifier:  verifier,
		challenge: base64.RawURLEncoding.EncodeToString(digest[:]),
	}, nil
}

// userFlow walks the interactive authorization code flow: authorize,
// credential type discovery, login, optional TOTP MFA, "keep me signed
// in", and finally either the code-for-token exchange or the cookie
// token delivery.
func (c *Credential) userFlow(ctx context.Context, scopes []string) (*azcore.AccessToken, error) {
	if len(scopes) == 0 {
		scopes = defaultUserScopes
	}

	redirect := c.Redirect
	if redirect == "" && c.Initialize == "" {
		server, err := startRedirectServer()
		if err != nil {
			return nil, err
		}
		defer server.Close()
		redirect = server.URL
	}

	pkce, err := newPKCEPair()
	if err != nil {
		return nil, err
	}
	state := uuid.NewString()
	nonce := uuid.NewString()

	var (
		page    []byte
		pageURL *url.URL
	)

	if c.Initialize != "" {
		// The application sign-in URL bounces through the authorize
		// endpoint itself and lands on the login page.
		page, pageURL, err = c.get(ctx, c.Initialize)
	} else {
		query := url.Values{
			"response_type":         {"code"},
			"response_mode":         {"fragment"},
			"client_id":             {c.ClientID},
			"redirect_uri":          {redirect},
			"state":                 {state},
			"nonce":                 {nonce},
			"scope":                 {strings.Join(scopes, " ")},
			"code_challenge_method": {"S256"},
			"code_challenge":        {pkce.challenge},
		}
		page, pageURL, err = c.get(ctx, c.authorityURL()+"/oauth2/v2.0/authorize?"+query.Encode())
	}
	if err != nil {
		return nil, err
	}

	config, err := parseLoginConfig(page)
	if err != nil {
		return nil, err
	}

	config, err = c.getCredentialType(ctx, pageURL, config)
	if err != nil {
		return nil, err
	}

	page, pageURL, config, err = c.login(ctx, pageURL, config)
	if err != nil {
		return nil, err
	}

	if len(config.UserProofs) > 0 {
		page, pageURL, config, err = c.multiFactor(ctx, pageURL, config)
		if err != nil {
			return nil, err
		}
	}

	if c.Initialize != "" {
		return c.cookieToken(ctx, pageURL, page)
	}

	code, err := c.keepMeSignedIn(ctx, pageURL, config)
	if err != nil {
		return nil, err
	}

	return c.exchangeCode(ctx, code, redirect, pkce.verifier, scopes)
}

// getCredentialType posts the username to the credential-type endpoint,
// which refreshes the flow token and canary.
func (c *Credential) getCredentialType(ctx context.Context, base *url.URL, config *loginConfig) (*loginConfig, error) {
	body := map[string]any{
		"username":                       c.Username,
		"isOtherIdpSupported":            true,
		"isRemoteNGCSupported":           true,
		"isFidoSupported":                true,
		"isAccessPassSupported":          true,
		"checkPhones":                    false,
		"isCookieBannerShown":            false,
		"forceotclogin":                  false,
		"isExternalFederationDisallowed": false,
		"isRemoteConnectSupported":       false,
		"isSignup":                       false,
		"federationFlags":                0,
		"originalRequest":                config.OriginalRequest,
		"country":                        config.Country,
		"flowToken":                      config.FlowToken,
	}

	payload, err := c.postJSON(ctx, resolveURL(base, config.URLGetCredentialType), body, config)
	if err != nil {
		return nil, err
	}

	var result struct {
		FlowToken string `json:"FlowToken"`
		APICanary string `json:"apiCanary"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, flowErrorf("unable to decode credential type response: %v", err)
	}

	if result.FlowToken != "" {
		config.FlowToken = result.FlowToken
	}
	if result.APICanary != "" {
		config.APICanary = result.APICanary
	}

	return config, nil
}

// login posts username and password to the login endpoint and parses the
// follow-up page configuration.
func (c *Credential) login(ctx context.Context, base *url.URL, config *loginConfig) ([]byte, *url.URL, *loginConfig, error) {
	form := url.Values{
		"i13":               {"0"},
		"login":             {c.Username},
		"loginfmt":          {c.Username},
		"type":              {"11"},
		"LoginOptions":      {"3"},
		"lrt":               {""},
		"lrtPartition":      {""},
		"hisRegion":         {""},
		"hisScaleUnit":      {""},
		"passwd":            {c.Password},
		"ps":                {"2"},
		"psRNGCDefaultType": {""},
		"psRNGCEntropy":     {""},
		"psRNGCSLK":         {""},
		"canary":            {config.Canary},
		"ctx":               {config.OriginalRequest},
		"hpgrequestid":      {config.SessionID},
		"flowToken":         {config.FlowToken},
		"PPSX":              {""},
		"NewUser":           {"1"},
		"FoundMSAs":         {""},
		"fspost":            {"0"},
		"i21":               {"0"},
		"CookieDisclosure":  {"0"},
		"IsFidoSupported":   {"1"},
		"isSignupPost":      {"0"},
		"i19":               {fmt.Sprintf("%d", time.Now().UnixMilli())},
	}

	page, pageURL, err := c.postFormPage(ctx, resolveURL(base, config.URLPost), form)
	if err != nil {
		return nil, nil, nil, err
	}

	next, err := parseLoginConfig(page)
	if err != nil {
		return nil, nil, nil, err
	}

	return page, pageURL, next, nil
}

// multiFactor satisfies an MFA challenge with a TOTP code. The only
// supported user proof is the authenticator app in software TOTP mode.
func (c *Credential) multiFactor(ctx context.Context, base *url.URL, config *loginConfig) ([]byte, *url.URL, *loginConfig, error) {
	if c.OTPSecret == "" {
		return nil, nil, nil, flowErrorf("account %s requires MFA and no TOTP secret is configured", c.Username)
	}

	supported := false
	for _, proof := range config.UserProofs {
		if proof.AuthMethodID != totpAuthMethod {
			continue
		}
		for _, otpType := range proof.PhoneAppOtpTypes {
			if otpType == "SoftwareTokenBasedTOTP" {
				supported = true
				break
			}
		}
	}
	if !supported {
		return nil, nil, nil, flowErrorf("account %s has MFA configured but no software TOTP method", c.Username)
	}

	begin := map[string]any{
		"AuthMethodId": totpAuthMethod,
		"Method":       "BeginAuth",
		"ctx":          config.OriginalRequest,
		"flowToken":    config.FlowToken,
		"sessionId":    config.SessionID,
	}

	payload, err := c.postJSON(ctx, resolveURL(base, config.URLBeginAuth), begin, config)
	if err != nil {
		return nil, nil, nil, err
	}

	var beginResult struct {
		Success   bool   `json:"Success"`
		Ctx       string `json:"Ctx"`
		FlowToken string `json:"FlowToken"`
		SessionID string `json:"SessionId"`
	}
	if err := json.Unmarshal(payload, &beginResult); err != nil {
		return nil, nil, nil, flowErrorf("unable to decode BeginAuth response: %v", err)
	}
	if !beginResult.Success {
		return nil, nil, nil, flowErrorf("BeginAuth failed for %s", c.Username)
	}

	code, err := totp.GenerateCode(c.OTPSecret, c.now())
	if err != nil {
		return nil, nil, nil, flowErrorf("unable to generate TOTP code: %v", err)
	}

	end := map[string]any{
		"AdditionalAuthData": code,
		"AuthMethodId":       totpAuthMethod,
		"Ctx":                beginResult.Ctx,
		"FlowToken":          beginResult.FlowToken,
		"Method":             "EndAuth",
		"PollCount":          1,
		"SessionId":          beginResult.SessionID,
	}

	payload, err = c.postJSON(ctx, resolveURL(base, config.URLEndAuth), end, config)
	if err != nil {
		return nil, nil, nil, err
	}

	var endResult struct {
		Success   bool   `json:"Success"`
		Ctx       string `json:"Ctx"`
		FlowToken string `json:"FlowToken"`
	}
	if err := json.Unmarshal(payload, &endResult); err != nil {
		return nil, nil, nil, flowErrorf("unable to decode EndAuth response: %v", err)
	}
	if !endResult.Success {
		return nil, nil, nil, flowErrorf("EndAuth failed for %s, is the TOTP secret correct?", c.Username)
	}

	form := url.Values{
		"type":               {"19"},
		"GeneralVerify":      {"false"},
		"request":            {endResult.Ctx},
		"mfaAuthMethod":      {totpAuthMethod},
		"otc":                {code},
		"login":              {c.Username},
		"flowToken":          {endResult.FlowToken},
		"hpgrequestid":       {config.SessionID},
		"sacxt":              {""},
		"hideSmsInMfaProofs": {"false"},
		"canary":             {config.Canary},
		"i19":                {fmt.Sprintf("%d", time.Now().UnixMilli())},
	}

	page, pageURL, err := c.postFormPage(ctx, resolveURL(base, config.URLPost), form)
	if err != nil {
		return nil, nil, nil, err
	}

	next, err := parseLoginConfig(page)
	if err != nil {
		return nil, nil, nil, err
	}

	return page, pageURL, next, nil
}

// keepMeSignedIn posts the KMSI form and captures the authorization code
// from the redirect fragment.
func (c *Credential) keepMeSignedIn(ctx context.Context, base *url.URL, config *loginConfig) (string, error) {
	form := url.Values{
		"LoginOptions": {"1"},
		"type":         {"28"},
		"ctx":          {config.OriginalRequest},
		"hpgrequestid": {config.SessionID},
		"flowToken":    {config.FlowToken},
		"canary":       {config.Canary},
		"i19":          {fmt.Sprintf("%d", time.Now().UnixMilli())},
	}

	endpoint := resolveURL(base, config.URLPost)
	if config.URLPost == "" {
		endpoint = c.authorityURL() + "/kmsi"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// The authorization code arrives in the Location fragment; the
	// redirect itself must not be followed.
	resp, err := withoutRedirects(c.httpClient).Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusFound {
		return "", flowErrorf("%s returned %d, expected 302", endpoint, resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	code, err := codeFromFragment(location)
	if err != nil {
		return "", err
	}

	return code, nil
}

// exchangeCode trades the authorization code for a token.
func (c *Credential) exchangeCode(ctx context.Context, code, redirect, verifier string, scopes []string) (*azcore.AccessToken, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.ClientID},
		"code":          {code},
		"redirect_uri":  {redirect},
		"code_verifier": {verifier},
		"scope":         {strings.Join(scopes, " ")},
	}

	payload, err := c.postForm(ctx, c.authorityURL()+"/oauth2/v2.0/token", form)
	if err != nil {
		return nil, err
	}

	return tokenFromResponse(payload, c.now())
}

// cookieToken completes the cookie delivery mode: the final login page
// is an auto-submitting HTML form; posting it establishes the
// application session whose cookie is the access token.
func (c *Credential) cookieToken(ctx context.Context, base *url.URL, page []byte) (*azcore.AccessToken, error) {
	action, fields, err := parseHTMLForm(page)
	if err != nil {
		return nil, err
	}

	target := resolveURL(base, action)
	if _, _, err := c.postFormPage(ctx, target, fields); err != nil {
		return nil, err
	}

	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, flowErrorf("invalid form action %q: %v", target, err)
	}

	for _, cookie := range c.httpClient.Jar.Cookies(targetURL) {
		if cookie.Name != sessionCookieName {
			continue
		}
		expires := cookie.Expires
		if expires.IsZero() {
			expires = c.now().Add(defaultTokenLifetime)
		}
		return &azcore.AccessToken{
			Token:     cookie.Value,
			ExpiresOn: expires.Add(-cookieTokenMargin),
		}, nil
	}

	return nil, flowErrorf("no %s cookie in response from %s", sessionCookieName, target)
}

var configBlobPattern = regexp.MustCompile(`(?s)\$?Config\s*=\s*(\{.*?\});`)

// parseLoginConfig extracts the Config={...}; blob from a login page.
func parseLoginConfig(page []byte) (*loginConfig, error) {
	match := configBlobPattern.FindSubmatch(page)
	if match == nil {
		return nil, flowErrorf("no Config object on login page")
	}

	var config loginConfig
	if err := json.Unmarshal(match[1], &config); err != nil {
		return nil, flowErrorf("unable to decode Config object: %v", err)
	}

	if config.ServiceExceptionMessage != "" {
		return nil, flowErrorf("%s", config.ServiceExceptionMessage)
	}

	return &config, nil
}

var (
	formActionPattern = regexp.MustCompile(`(?i)<form[^>]*\baction=["']([^"']+)["']`)
	formInputPattern  = regexp.MustCompile(`(?i)<input[^>]*>`)
	inputNamePattern  = regexp.MustCompile(`(?i)\bname=["']([^"']+)["']`)
	inputValuePattern = regexp.MustCompile(`(?i)\bvalue=["']([^"']*)["']`)
)

// parseHTMLForm extracts the action and hidden fields from the first
// form on a page.
func parseHTMLForm(page []byte) (string, url.Values, error) {
	action := formActionPattern.FindSubmatch(page)
	if action == nil {
		return "", nil, flowErrorf("no form on page")
	}

	fields := url.Values{}
	for _, input := range formInputPattern.FindAll(page, -1) {
		name := inputNamePattern.FindSubmatch(input)
		if name == nil {
			continue
		}
		value := inputValuePattern.FindSubmatch(input)
		if value == nil {
			fields.Set(string(name[1]), "")
			continue
		}
		fields.Set(string(name[1]), string(value[1]))
	}

	return string(action[1]), fields, nil
}

// codeFromFragment parses the authorization code out of a redirect
// location with response_mode=fragment.
func codeFromFragment(location string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", flowErrorf("invalid redirect location %q: %v", location, err)
	}

	values, err := url.ParseQuery(parsed.Fragment)
	if err != nil {
		return "", flowErrorf("invalid fragment in redirect location %q: %v", location, err)
	}

	code := values.Get("code")
	if code == "" {
		return "", flowErrorf("no authorization code in redirect location %q", location)
	}

	return code, nil
}

// resolveURL resolves a possibly relative reference against the page it
// came from.
func resolveURL(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil || parsed.IsAbs() {
		return parsed.String()
	}
	return base.ResolveReference(parsed).String()
}

// withoutRedirects returns a shallow copy of the client that stops at
// the first redirect.
func withoutRedirects(client *http.Client) *http.Client {
	clone := *client
	clone.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &clone
}

// get fetches a page, following redirects, and returns the body together
// with the final URL.
func (c *Credential) get(ctx context.Context, endpoint string) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	page, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, flowErrorf("%s returned %d", endpoint, resp.StatusCode)
	}

	return page, resp.Request.URL, nil
}

// postJSON sends an ajax-style JSON request with the canary headers the
// login endpoints expect.
func (c *Credential) postJSON(ctx context.Context, endpoint string, body map[string]any, config *loginConfig) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Canary", config.APICanary)
	req.Header.Set("Client-Request-Id", config.CorrelationID)
	req.Header.Set("Hpgrequestid", config.SessionID)
	req.Header.Set("Hpgact", fmt.Sprintf("%d", config.Hpgact))
	req.Header.Set("Hpgid", fmt.Sprintf("%d", config.Hpgid))

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

// postFormPage posts a form and returns the resulting page and its URL.
func (c *Credential) postFormPage(ctx context.Context, endpoint string, form url.Values) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	page, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, flowErrorf("%s returned %d", endpoint, resp.StatusCode)
	}

	return page, resp.Request.URL, nil
}
