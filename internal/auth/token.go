package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

// DefaultTokenLifetime is assumed when the provider omits expires_in.
const DefaultTokenLifetime = time.Hour

// DefaultScopes are requested by the external consent flow and carried on the
// shared client configuration.
var DefaultScopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailSendScope,
	gmail.GmailModifyScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Exchanger performs the refresh-token grant against the OAuth provider.
type Exchanger interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// OAuthExchanger is the stateless client configuration shared by every
// account. Account tokens are passed per call and never stored on it.
type OAuthExchanger struct {
	config *oauth2.Config
	now    func() time.Time
}

// NewGoogleExchanger configures an exchanger against Google's OAuth endpoint.
func NewGoogleExchanger(clientID, clientSecret, redirectURL string) *OAuthExchanger {
	return NewOAuthExchanger(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       DefaultScopes,
	})
}

// NewOAuthExchanger wraps an arbitrary oauth2 configuration.
func NewOAuthExchanger(config *oauth2.Config) *OAuthExchanger {
	return &OAuthExchanger{config: config, now: time.Now}
}

// Config exposes the shared configuration for the external consent flow.
func (e *OAuthExchanger) Config() *oauth2.Config {
	return e.config
}

// Refresh exchanges refreshToken for a new access token. The returned
// RefreshToken is empty unless the provider rotated it.
func (e *OAuthExchanger) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := e.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, &ProviderError{Message: "token response carried no access_token"}
	}

	out := &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	if tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	if out.Expiry.IsZero() {
		out.Expiry = e.now().Add(DefaultTokenLifetime)
	}
	return out, nil
}

// StaticSource returns a token source for an already-valid access token, for
// building provider clients per call.
func StaticSource(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}
