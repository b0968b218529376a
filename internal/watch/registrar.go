// Package watch registers Gmail push watches for accounts.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailhook/internal/account"
	"github.com/Martian-dev/mailhook/internal/logging"
	"github.com/Martian-dev/mailhook/internal/sync"
)

// Watcher starts push notifications for one mailbox.
type Watcher interface {
	Watch(ctx context.Context, topic string, labelIDs []string) (string, time.Time, error)
}

// WatcherFactory builds a Watcher authorised with accessToken.
type WatcherFactory func(ctx context.Context, accessToken string) (Watcher, error)

// TokenSource yields a usable access token for an account.
type TokenSource interface {
	EnsureValid(ctx context.Context, acct *account.Account) (string, error)
}

// Registrar points an account's mailbox at the push topic.
type Registrar struct {
	store    account.Store
	tokens   TokenSource
	watchers WatcherFactory
	locks    sync.Locker
	topic    string
	labels   []string
	logger   logging.Logger
}

// NewRegistrar creates a Registrar. locks should be the pipeline's so watch
// registration and syncs do not interleave on one account.
func NewRegistrar(store account.Store, tokens TokenSource, watchers WatcherFactory, locks sync.Locker, topic string, labels []string, logger logging.Logger) *Registrar {
	if locks == nil {
		locks = sync.NewKeyedMutex()
	}
	if labels == nil {
		labels = []string{"INBOX"}
	}
	return &Registrar{
		store:    store,
		tokens:   tokens,
		watchers: watchers,
		locks:    locks,
		topic:    topic,
		labels:   labels,
		logger:   logging.OrGlobal(logger),
	}
}

// Register starts (or renews) the watch for accountID. An account without a
// cursor is seeded from the mailbox's current historyId.
func (r *Registrar) Register(ctx context.Context, accountID string) (*account.Account, error) {
	if r.topic == "" {
		return nil, fmt.Errorf("watch topic not configured")
	}

	unlock, err := r.locks.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := r.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	token, err := r.tokens.EnsureValid(ctx, acct)
	if err != nil {
		return nil, err
	}

	watcher, err := r.watchers(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("build watcher: %w", err)
	}

	historyID, expiry, err := watcher.Watch(ctx, r.topic, r.labels)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", acct.Email, err)
	}

	updated := acct.Clone()
	if updated.HistoryCursor == "" {
		updated.AdvanceCursor(historyID)
		updated.MarkStart(historyID)
	}
	updated.WatchExpiry = expiry
	if err := r.store.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("persist watch for %s: %w", acct.ID, err)
	}

	r.logger.WithContext(ctx).Info("watch registered",
		logging.String("account_id", updated.ID),
		logging.String("history_id", historyID),
		logging.String("cursor", updated.HistoryCursor),
		logging.Time("expires", expiry))
	return updated, nil
}
