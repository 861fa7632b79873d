package websocket

import "net/http"

// Authentication header names attached to the upgrade request.
const (
	HeaderSubscriptionKey = "Ocp-Apim-Subscription-Key"
	HeaderAuthorization   = "Authorization"
	HeaderDelegationToken = "X-Search-DelegationRPSToken"
)

// Credentials carries the secrets sent on the upgrade request. Any subset may
// be set.
type Credentials struct {
	SubscriptionKey string
	AuthToken       string
	DelegationToken string
}

// Header builds the upgrade request headers for the configured secrets.
func (c Credentials) Header() http.Header {
	h := http.Header{}
	if c.SubscriptionKey != "" {
		h.Set(HeaderSubscriptionKey, c.SubscriptionKey)
	}
	if c.AuthToken != "" {
		h.Set(HeaderAuthorization, "Bearer "+c.AuthToken)
	}
	if c.DelegationToken != "" {
		h.Set(HeaderDelegationToken, c.DelegationToken)
	}
	return h
}

func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

// CredentialProvider is queried before every open and on every connected
// work pass so rotated tokens trigger a reconnect.
type CredentialProvider interface {
	Credentials() Credentials
}

// StaticCredentials is a CredentialProvider that never rotates.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials() Credentials { return Credentials(s) }

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func() Credentials

func (f CredentialFunc) Credentials() Credentials { return f() }
