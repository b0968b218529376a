// Package auth keeps delegated mailbox credentials usable: it refreshes
// expired access tokens, decides when a grant has been revoked, and verifies
// push requests from the notification transport.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailhook/internal/account"
	"github.com/Martian-dev/mailhook/internal/logging"
)

var (
	// ErrReauthRequired means the account's grant is unusable until the user
	// re-consents.
	ErrReauthRequired = errors.New("account requires re-authorization")
	// ErrRefreshFailed means every refresh attempt failed.
	ErrRefreshFailed = errors.New("access token refresh failed")

	errNoRefreshToken = errors.New("account has no refresh token")
)

// RefreshError describes an exhausted refresh. It matches ErrRefreshFailed,
// and also ErrReauthRequired when the final failure revoked the grant.
type RefreshError struct {
	AccountID string
	Attempts  int
	Revoked   bool
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh account %s: %d attempt(s): %v", e.AccountID, e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed || (e.Revoked && target == ErrReauthRequired)
}

const (
	DefaultAttempts       = 3
	DefaultAttemptTimeout = 10 * time.Second
)

// Refresher hands out valid access tokens for accounts.
type Refresher struct {
	store          account.Store
	exchanger      Exchanger
	logger         logging.Logger
	attempts       int
	attemptTimeout time.Duration
	backoff        func(attempt int) time.Duration
	now            func() time.Time
}

// RefresherOption customises a Refresher.
type RefresherOption func(*Refresher)

func WithAttempts(n int) RefresherOption {
	return func(r *Refresher) {
		if n > 0 {
			r.attempts = n
		}
	}
}

func WithAttemptTimeout(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.attemptTimeout = d
		}
	}
}

// WithBackoff overrides the delay slept after failed attempt n (0-based).
func WithBackoff(fn func(attempt int) time.Duration) RefresherOption {
	return func(r *Refresher) { r.backoff = fn }
}

func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

func WithLogger(l logging.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// ExponentialBackoff waits 2^attempt seconds: 1s, 2s, 4s...
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// WorstCaseRefresh is the longest EnsureValid can spend refreshing with the
// default backoff: every attempt timing out plus the sleeps between them.
func WorstCaseRefresh(attempts int, attemptTimeout time.Duration) time.Duration {
	total := time.Duration(attempts) * attemptTimeout
	for i := 0; i < attempts-1; i++ {
		total += ExponentialBackoff(i)
	}
	return total
}

// NewRefresher creates a refresher that persists through store.
func NewRefresher(store account.Store, exchanger Exchanger, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:          store,
		exchanger:      exchanger,
		attempts:       DefaultAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		backoff:        ExponentialBackoff,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrGlobal(r.logger)
	return r
}

// EnsureValid returns a usable access token for acct, refreshing it when it
// has expired. acct is updated in place when the store write succeeds. At
// most one store write happens per call.
func (r *Refresher) EnsureValid(ctx context.Context, acct *account.Account) (string, error) {
	if acct.NeedsReauth {
		return "", ErrReauthRequired
	}
	if acct.TokenValid(r.now()) {
		return acct.AccessToken, nil
	}

	log := r.logger.WithContext(ctx).WithFields(logging.String("account_id", acct.ID))

	if acct.RefreshToken == "" {
		return "", &RefreshError{AccountID: acct.ID, Err: errNoRefreshToken}
	}

	var (
		lastErr error
		tried   int
	)
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		tried++
		tok, err := r.exchange(ctx, acct.RefreshToken)
		if err == nil {
			return r.apply(ctx, acct, tok)
		}

		lastErr = err
		class := Classify(err)
		log.Warn("token refresh attempt failed",
			logging.Int("attempt", tried),
			logging.String("class", class.String()),
			logging.Err(err))
		if class == GrantRevoked {
			break
		}
	}

	refreshErr := &RefreshError{AccountID: acct.ID, Attempts: tried, Err: lastErr}
	if Classify(lastErr) != GrantRevoked {
		return "", refreshErr
	}

	refreshErr.Revoked = true
	flagged := acct.Clone()
	flagged.NeedsReauth = true
	if err := r.store.Save(ctx, flagged); err != nil {
		log.Error("failed to persist re-authorization flag", err)
		return "", fmt.Errorf("%w (flag not persisted: %v)", refreshErr, err)
	}
	*acct = *flagged
	log.Warn("grant revoked, account flagged for re-authorization", logging.Err(lastErr))
	return "", refreshErr
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string) (*Token, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()
	return r.exchanger.Refresh(attemptCtx, refreshToken)
}

func (r *Refresher) apply(ctx context.Context, acct *account.Account, tok *Token) (string, error) {
	updated := acct.Clone()
	updated.AccessToken = tok.AccessToken
	updated.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.NeedsReauth = false

	if err := r.store.Save(ctx, updated); err != nil {
		return "", fmt.Errorf("persist refreshed token for %s: %w", acct.ID, err)
	}
	*acct = *updated

	r.logger.WithContext(ctx).Info("access token refreshed",
		logging.String("account_id", acct.ID),
		logging.Time("expiry", acct.Expiry))
	return acct.AccessToken, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
