package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Class says whether a provider failure can be fixed by retrying.
type Class int

const (
	// Transient failures (timeouts, 5xx, malformed responses) leave the
	// account untouched.
	Transient Class = iota
	// GrantRevoked means the user must re-consent.
	GrantRevoked
)

func (c Class) String() string {
	if c == GrantRevoked {
		return "grant_revoked"
	}
	return "transient"
}

// ProviderError is a provider failure reduced to its OAuth error code and
// HTTP status.
type ProviderError struct {
	Code    string
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Status != 0:
		return fmt.Sprintf("provider error %s (status %d): %s", e.Code, e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("provider error status %d: %s", e.Status, e.Message)
	default:
		return "provider error: " + e.Message
	}
}

// Compared after lowercasing and dropping underscores, so Google API reasons
// such as "insufficientPermissions" match too.
var revokedCodes = map[string]struct{}{
	"invalidgrant":            {},
	"insufficientpermissions": {},
	"accessdenied":            {},
	"unauthorizedclient":      {},
}

// Classify decides whether err means the grant is gone. It is the only place
// that decides whether an account must be flagged for re-authorization.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if errors.Is(err, ErrReauthRequired) {
		return GrantRevoked
	}

	codes, status := details(err)
	if status == 403 {
		return GrantRevoked
	}
	for _, c := range codes {
		if _, ok := revokedCodes[normalizeCode(c)]; ok {
			return GrantRevoked
		}
	}
	return Transient
}

func details(err error) (codes []string, status int) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		codes = append(codes, re.ErrorCode)
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return codes, status
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		for _, item := range ge.Errors {
			codes = append(codes, item.Reason)
		}
		return codes, ge.Code
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return []string{pe.Code}, pe.Status
	}
	return nil, 0
}

func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(code)), "_", "")
}
