package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Transient},
		{"plain", errors.New("connection reset"), Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"invalid_grant", &oauth2.RetrieveError{ErrorCode: "invalid_grant", Response: &http.Response{StatusCode: 400}}, GrantRevoked},
		{"unauthorized_client", &oauth2.RetrieveError{ErrorCode: "unauthorized_client"}, GrantRevoked},
		{"oauth 500", &oauth2.RetrieveError{ErrorCode: "server_error", Response: &http.Response{StatusCode: 500}}, Transient},
		{"oauth 403", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 403}}, GrantRevoked},
		{"wrapped retrieve error", fmt.Errorf("refresh: %w", &oauth2.RetrieveError{ErrorCode: "access_denied"}), GrantRevoked},
		{"googleapi 403", &googleapi.Error{Code: 403}, GrantRevoked},
		{"googleapi reason", &googleapi.Error{Code: 400, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, GrantRevoked},
		{"googleapi 503", &googleapi.Error{Code: 503}, Transient},
		{"provider code", &ProviderError{Code: "insufficient_permissions"}, GrantRevoked},
		{"provider status", &ProviderError{Status: 502}, Transient},
		{"reauth sentinel", ErrReauthRequired, GrantRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "grant_revoked", GrantRevoked.String())
}
