// Package sync advances accounts through the provider's change feed and hands
// newly added messages to a downstream consumer.
package sync

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailhook/internal/account"
	"github.com/Martian-dev/mailhook/internal/logging"
)

// Syncer applies change-feed listings to accounts.
type Syncer struct {
	store    account.Store
	consumer Consumer
	logger   logging.Logger
}

// NewSyncer creates a Syncer. A nil logger uses the global one.
func NewSyncer(store account.Store, consumer Consumer, logger logging.Logger) *Syncer {
	return &Syncer{store: store, consumer: consumer, logger: logging.OrGlobal(logger)}
}

// Sync lists changes after acct.HistoryCursor, forwards every added message
// id, and moves the cursor forward. It reports whether any message-added
// record was present. Callers must hold the account's lock.
//
// Without a cursor there is nothing to sync yet. Provider errors are returned
// as-is and leave the account untouched. Consumer failures are logged and do
// not stop the batch or the cursor advance.
func (s *Syncer) Sync(ctx context.Context, acct *account.Account, feed ChangeFeed) (bool, error) {
	if acct.HistoryCursor == "" {
		return false, nil
	}

	log := s.logger.WithContext(ctx).WithFields(logging.String("account_id", acct.ID))
	start := acct.HistoryCursor

	page, err := feed.ListChanges(ctx, start)
	if err != nil {
		return false, err
	}

	hasNew := false
	seen := make(map[string]bool)
	failed := 0
	for _, rec := range page.Records {
		if len(rec.AddedItemIDs) > 0 {
			hasNew = true
		}
		for _, id := range rec.AddedItemIDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if err := s.consumer.Consume(ctx, acct, id); err != nil {
				failed++
				log.Warn("downstream consumer failed", logging.String("message_id", id), logging.Err(err))
			}
		}
	}

	updated := acct.Clone()
	changed := updated.MarkStart(start)
	if updated.AdvanceCursor(page.NewCursor) {
		changed = true
	}

	if changed {
		if err := s.store.Save(ctx, updated); err != nil {
			return hasNew, fmt.Errorf("persist cursor for %s: %w", acct.ID, err)
		}
		*acct = *updated
	}

	log.Info("change feed synced",
		logging.String("from_cursor", start),
		logging.String("cursor", acct.HistoryCursor),
		logging.Int("messages", len(seen)),
		logging.Int("consumer_failures", failed),
		logging.Bool("has_new", hasNew))
	return hasNew, nil
}
