package sync

import (
	"context"

	"github.com/Martian-dev/mailhook/internal/account"
)

// ChangeRecord is one entry of the provider's change feed, already filtered
// to message-added events.
type ChangeRecord struct {
	ID           string
	AddedItemIDs []string
}

// ChangePage is the result of listing the change feed from a cursor.
type ChangePage struct {
	Records []ChangeRecord
	// NewCursor is the provider's current feed position.
	NewCursor string
}

// ChangeFeed lists message-added changes after cursor.
type ChangeFeed interface {
	ListChanges(ctx context.Context, cursor string) (*ChangePage, error)
}

// FeedFactory builds a ChangeFeed authorised with accessToken. Each call gets
// its own client so credentials never leak between accounts.
type FeedFactory func(ctx context.Context, accessToken string) (ChangeFeed, error)

// Consumer receives each newly discovered message id.
type Consumer interface {
	Consume(ctx context.Context, acct *account.Account, itemID string) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, acct *account.Account, itemID string) error

func (f ConsumerFunc) Consume(ctx context.Context, acct *account.Account, itemID string) error {
	return f(ctx, acct, itemID)
}
