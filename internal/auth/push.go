package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleJWKSURL serves the keys Google signs push-subscription OIDC tokens with.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// ErrUnauthorizedPush is returned for push requests without a valid token.
var ErrUnauthorizedPush = errors.New("push request not authenticated")

// PushIdentity is the service account a push request was signed for.
type PushIdentity struct {
	Subject string
	Email   string
}

// PushVerifier checks the OIDC bearer token Pub/Sub attaches to
// authenticated push deliveries. Keys come from a JWKS cache refreshed in
// the background.
type PushVerifier struct {
	audience     string
	serviceEmail string

	cache   *jwk.Cache
	jwksURL string

	mu     sync.RWMutex
	keySet jwk.Set
}

// NewPushVerifier registers jwksURL with a refreshing cache and warms it.
// serviceEmail, when set, must match the token's email claim.
func NewPushVerifier(ctx context.Context, jwksURL, audience, serviceEmail string) (*PushVerifier, error) {
	if audience == "" {
		return nil, fmt.Errorf("push audience is required")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	set, err := cache.Refresh(warmCtx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	v := NewStaticPushVerifier(set, audience, serviceEmail)
	v.cache = cache
	v.jwksURL = jwksURL
	return v, nil
}

// NewStaticPushVerifier verifies against a fixed key set.
func NewStaticPushVerifier(set jwk.Set, audience, serviceEmail string) *PushVerifier {
	return &PushVerifier{audience: audience, serviceEmail: serviceEmail, keySet: set}
}

func (v *PushVerifier) keys(ctx context.Context) jwk.Set {
	if v.cache != nil {
		if set, err := v.cache.Get(ctx, v.jwksURL); err == nil {
			v.mu.Lock()
			v.keySet = set
			v.mu.Unlock()
			return set
		}
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// VerifyRequest validates the Authorization header of a push request.
func (v *PushVerifier) VerifyRequest(r *http.Request) (*PushIdentity, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.keys(r.Context())),
		jwt.WithValidate(true),
		jwt.WithAudience(v.audience),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorizedPush, err)
	}

	if !googleIssuers[token.Issuer()] {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrUnauthorizedPush, token.Issuer())
	}

	id := &PushIdentity{Subject: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		id.Email, _ = claim.(string)
	}
	if v.serviceEmail != "" && id.Email != v.serviceEmail {
		return nil, fmt.Errorf("%w: token issued for %q", ErrUnauthorizedPush, id.Email)
	}
	return id, nil
}
