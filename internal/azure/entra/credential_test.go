package entra

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": expiresAt.Unix(),
		"sub": "tester",
	})
	raw, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

// tokenEndpoint serves the client credentials grant and counts calls.
func tokenEndpoint(t *testing.T, issued *int, expiry func() time.Time) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("client_secret"); got != "s3cret" {
			t.Errorf("client_secret = %q", got)
		}

		*issued++
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": signedToken(t, expiry()),
		})
	}))
}

func TestGetTokenClientFlow(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	issued := 0

	server := tokenEndpoint(t, &issued, func() time.Time { return now.Add(time.Hour) })
	defer server.Close()

	credential, err := NewCredential("", "s3cret", server.URL, AuthMethodClient)
	if err != nil {
		t.Fatalf("NewCredential() error: %v", err)
	}
	credential.ClientID = "client-1"
	credential.now = func() time.Time { return now }

	options := policy.TokenRequestOptions{Scopes: []string{"https://servicebus.azure.net/.default"}}

	token, err := credential.GetToken(context.Background(), options)
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if token.Token == "" {
		t.Fatal("GetToken() returned an empty token")
	}
	if !token.ExpiresOn.After(now) {
		t.Errorf("ExpiresOn = %s, want after %s", token.ExpiresOn, now)
	}
	if issued != 1 {
		t.Fatalf("issued = %d, want 1", issued)
	}

	// A second call with a valid cached token must not hit the wire.
	if _, err := credential.GetToken(context.Background(), options); err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if issued != 1 {
		t.Errorf("issued = %d after cached call, want 1", issued)
	}
	if credential.Refreshed() {
		t.Error("Refreshed() = true without a re-acquisition")
	}
}

func TestGetTokenRefreshAfterExpiry(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	issued := 0

	server := tokenEndpoint(t, &issued, func() time.Time { return now.Add(30 * time.Minute) })
	defer server.Close()

	credential, err := NewCredential("", "s3cret", server.URL, AuthMethodClient)
	if err != nil {
		t.Fatalf("NewCredential() error: %v", err)
	}
	credential.ClientID = "client-1"
	credential.now = func() time.Time { return now }

	options := policy.TokenRequestOptions{Scopes: []string{"scope"}}

	first, err := credential.GetToken(context.Background(), options)
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}

	// Fast-forward past the expiry; the next call re-acquires and arms
	// the one-shot refreshed flag.
	now = first.ExpiresOn.Add(time.Second)

	second, err := credential.GetToken(context.Background(), options)
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if issued != 2 {
		t.Fatalf("issued = %d, want 2", issued)
	}
	if second.ExpiresOn.Equal(first.ExpiresOn) {
		t.Error("refreshed token has the same expiry as the first")
	}

	if !credential.Refreshed() {
		t.Error("Refreshed() = false after re-acquisition")
	}
	if credential.Refreshed() {
		t.Error("Refreshed() = true on second read, the flag is one-shot")
	}
}

func TestGetTokenRequiresMethod(t *testing.T) {
	credential, err := NewCredential("user", "pass", "tenant-id", AuthMethodNone)
	if err != nil {
		t.Fatalf("NewCredential() error: %v", err)
	}

	if _, err := credential.GetToken(context.Background(), policy.TokenRequestOptions{}); err == nil {
		t.Error("GetToken() succeeded without an authentication method")
	}
}

func TestNewCredentialRequiresTenant(t *testing.T) {
	if _, err := NewCredential("user", "pass", "", AuthMethodUser); err == nil {
		t.Error("NewCredential() accepted an empty tenant")
	}
}

func TestAuthorityURL(t *testing.T) {
	tests := []struct {
		tenant string
		want   string
	}{
		{tenant: "example.onmicrosoft.com", want: "https://login.microsoftonline.com/example.onmicrosoft.com"},
		{tenant: "https://login.example.com/tenant/", want: "https://login.example.com/tenant"},
	}

	for _, tt := range tests {
		credential := &Credential{Tenant: tt.tenant}
		if got := credential.authorityURL(); got != tt.want {
			t.Errorf("authorityURL(%q) = %q, want %q", tt.tenant, got, tt.want)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	wanted := now.Add(45 * time.Minute)

	raw := signedToken(t, wanted)
	if got := tokenExpiry(raw, now); got.Unix() != wanted.Unix() {
		t.Errorf("tokenExpiry() = %s, want %s", got, wanted)
	}

	// Undecodable tokens fall back to the default lifetime.
	if got := tokenExpiry("not-a-jwt", now); !got.Equal(now.Add(defaultTokenLifetime)) {
		t.Errorf("tokenExpiry(fallback) = %s, want %s", got, now.Add(defaultTokenLifetime))
	}
}

func TestTokenFromResponse(t *testing.T) {
	now := time.Now()
	raw := signedToken(t, now.Add(time.Hour))

	token, err := tokenFromResponse([]byte(`{"id_token":"`+raw+`"}`), now)
	if err != nil {
		t.Fatalf("tokenFromResponse() error: %v", err)
	}
	if token.Token != raw {
		t.Error("tokenFromResponse() did not prefer id_token")
	}

	if _, err := tokenFromResponse([]byte(`{}`), now); err == nil {
		t.Error("tokenFromResponse() accepted a response without tokens")
	}
}

func TestRedirectServer(t *testing.T) {
	server, err := startRedirectServer()
	if err != nil {
		t.Fatalf("startRedirectServer() error: %v", err)
	}
	defer server.Close()

	resp, err := http.Get(server.URL + "/?code=abc")
	if err != nil {
		t.Fatalf("GET %s error: %v", server.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := server.LastRequest(); got != "/?code=abc" {
		t.Errorf("LastRequest() = %q, want /?code=abc", got)
	}
}
