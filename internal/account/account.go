// Package account holds the delegated mailbox account record and the store
// contract the rest of mailhook depends on.
package account

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when no account matches.
	ErrNotFound = errors.New("account not found")
	// ErrEmailTaken is returned when saving would create a second account for
	// an email address.
	ErrEmailTaken = errors.New("account email already registered")
)

// Account is a delegated connection to one external mailbox.
type Account struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`
	Email       string `json:"email"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiry"`

	// NeedsReauth is sticky: only a successful refresh or Reauthorize clears it.
	NeedsReauth bool `json:"needs_reauth"`

	// HistoryCursor is the provider's change-feed position; empty until a
	// watch registration establishes it.
	HistoryCursor string    `json:"history_cursor,omitempty"`
	StartCursor   string    `json:"start_cursor,omitempty"`
	WatchExpiry   time.Time `json:"watch_expiry"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TokenValid reports whether the stored access token may be used at now.
func (a *Account) TokenValid(now time.Time) bool {
	return a.AccessToken != "" && now.Before(a.Expiry)
}

// AdvanceCursor moves HistoryCursor to next when next is strictly after the
// stored value. It reports whether anything changed.
func (a *Account) AdvanceCursor(next string) bool {
	if next == "" || !CursorAfter(next, a.HistoryCursor) {
		return false
	}
	a.HistoryCursor = next
	return true
}

// MarkStart records the first observed cursor. It never overwrites.
func (a *Account) MarkStart(cursor string) bool {
	if a.StartCursor != "" || cursor == "" {
		return false
	}
	a.StartCursor = cursor
	return true
}

// Reauthorize applies tokens minted by the external re-consent flow.
func (a *Account) Reauthorize(accessToken, refreshToken string, expiry time.Time) {
	a.AccessToken = accessToken
	if refreshToken != "" {
		a.RefreshToken = refreshToken
	}
	a.Expiry = expiry
	a.NeedsReauth = false
}

// Clone returns a copy safe to mutate independently.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// Store persists accounts. Reads and writes are atomic per record and the
// store enforces email uniqueness. Save never moves HistoryCursor backwards
// or replaces a set StartCursor: when the stored values win, acct is updated
// to match them.
type Store interface {
	Get(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	Save(ctx context.Context, acct *Account) error
}
