// Package webhook turns Gmail push notifications into change-feed syncs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailhook/internal/account"
	"github.com/Martian-dev/mailhook/internal/auth"
	"github.com/Martian-dev/mailhook/internal/dedup"
	"github.com/Martian-dev/mailhook/internal/logging"
	"github.com/Martian-dev/mailhook/internal/sync"
)

// DefaultSyncTimeout bounds refresh plus sync for one delivery. It leaves
// room for a full refresh with default settings.
const DefaultSyncTimeout = 60 * time.Second

// TokenSource yields a usable access token for an account, refreshing and
// persisting it when needed.
type TokenSource interface {
	EnsureValid(ctx context.Context, acct *account.Account) (string, error)
}

// Syncer advances an account through its change feed.
type Syncer interface {
	Sync(ctx context.Context, acct *account.Account, feed sync.ChangeFeed) (bool, error)
}

// Pipeline handles deliveries. It is safe for concurrent use; work on the
// same account is serialised.
type Pipeline struct {
	accounts    account.Store
	ledger      dedup.Ledger
	tokens      TokenSource
	feeds       sync.FeedFactory
	syncer      Syncer
	locks       sync.Locker
	logger      logging.Logger
	syncTimeout time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLocks shares the per-account lock with other writers. Replicas sharing
// a store need a lock that spans processes.
func WithLocks(locks sync.Locker) Option {
	return func(p *Pipeline) { p.locks = locks }
}

func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithSyncTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.syncTimeout = d
		}
	}
}

// NewPipeline wires a Pipeline.
func NewPipeline(accounts account.Store, ledger dedup.Ledger, tokens TokenSource, feeds sync.FeedFactory, syncer Syncer, opts ...Option) *Pipeline {
	p := &Pipeline{
		accounts:    accounts,
		ledger:      ledger,
		tokens:      tokens,
		feeds:       feeds,
		syncer:      syncer,
		syncTimeout: DefaultSyncTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locks == nil {
		p.locks = sync.NewKeyedMutex()
	}
	p.logger = logging.OrGlobal(p.logger)
	return p
}

// HandlePush parses a push request body and handles it.
func (p *Pipeline) HandlePush(ctx context.Context, body []byte) Result {
	d, err := ParseEnvelope(body)
	if err != nil {
		return p.finish(ctx, Result{State: StateRejectedBadPayload, Err: err})
	}
	return p.Handle(ctx, d)
}

// Handle runs one delivery to a terminal state.
func (p *Pipeline) Handle(ctx context.Context, d Delivery) Result {
	res := Result{MessageID: d.MessageID}

	if d.Data == "" {
		res.State = StateVerificationAck
		return p.finish(ctx, res)
	}

	if d.MessageID == "" {
		res.State = StateRejectedBadPayload
		res.Err = fmt.Errorf("%w: missing messageId", ErrBadPayload)
		return p.finish(ctx, res)
	}
	n, err := DecodeNotification(d.Data)
	if err != nil {
		res.State = StateRejectedBadPayload
		res.Err = err
		return p.finish(ctx, res)
	}
	res.Email = n.Email
	res.Cursor = n.Cursor

	fresh, err := p.ledger.Add(ctx, d.MessageID)
	if err != nil {
		return p.failed(ctx, res, fmt.Errorf("dedup ledger: %w", err))
	}
	if !fresh {
		res.State = StateDuplicateIgnored
		return p.finish(ctx, res)
	}

	acct, err := p.accounts.GetByEmail(ctx, n.Email)
	if errors.Is(err, account.ErrNotFound) {
		res.State = StateAccountNotFound
		return p.finish(ctx, res)
	}
	if err != nil {
		return p.retryable(ctx, res, fmt.Errorf("lookup account: %w", err))
	}
	res.AccountID = acct.ID

	if !account.CursorAfter(n.Cursor, acct.HistoryCursor) {
		res.State = StateStaleIgnored
		return p.finish(ctx, res)
	}

	unlock, err := p.locks.Lock(ctx, acct.ID)
	if err != nil {
		return p.retryable(ctx, res, err)
	}
	defer unlock()

	// another delivery may have advanced the account while we waited
	acct, err = p.accounts.Get(ctx, acct.ID)
	if errors.Is(err, account.ErrNotFound) {
		res.State = StateAccountNotFound
		return p.finish(ctx, res)
	}
	if err != nil {
		return p.retryable(ctx, res, fmt.Errorf("reload account: %w", err))
	}
	if !account.CursorAfter(n.Cursor, acct.HistoryCursor) {
		res.State = StateStaleIgnored
		return p.finish(ctx, res)
	}

	syncCtx, cancel := context.WithTimeout(ctx, p.syncTimeout)
	defer cancel()

	token, err := p.tokens.EnsureValid(syncCtx, acct)
	if err != nil {
		return p.retryable(ctx, res, err)
	}

	feed, err := p.feeds(syncCtx, token)
	if err != nil {
		return p.retryable(ctx, res, fmt.Errorf("build change feed: %w", err))
	}

	hasNew, err := p.syncer.Sync(syncCtx, acct, feed)
	if err != nil {
		return p.retryable(ctx, res, err)
	}

	res.State = StateSynced
	res.HasNew = hasNew
	return p.finish(ctx, res)
}

// retryable fails a delivery whose id is already in the ledger. Transient
// failures drop the id again so the transport's redelivery is synced; a
// revoked grant keeps it, since retrying cannot help until re-consent.
func (p *Pipeline) retryable(ctx context.Context, res Result, err error) Result {
	if auth.Classify(err) == auth.Transient {
		if ferr := p.ledger.Forget(context.WithoutCancel(ctx), res.MessageID); ferr != nil {
			p.logger.WithContext(ctx).Warn("failed to release delivery for redelivery",
				logging.String("message_id", res.MessageID), logging.Err(ferr))
		}
	}
	return p.failed(ctx, res, err)
}

func (p *Pipeline) failed(ctx context.Context, res Result, err error) Result {
	res.State = StateSyncFailed
	res.Err = err
	return p.finish(ctx, res)
}

func (p *Pipeline) finish(ctx context.Context, res Result) Result {
	fields := []logging.Field{
		logging.String("state", res.State.String()),
		logging.String("message_id", res.MessageID),
	}
	if res.Email != "" {
		fields = append(fields, logging.String("email", res.Email), logging.String("cursor", res.Cursor))
	}
	if res.AccountID != "" {
		fields = append(fields, logging.String("account_id", res.AccountID))
	}

	log := p.logger.WithContext(ctx)
	switch res.State {
	case StateSyncFailed:
		log.Error("delivery failed", res.Err, fields...)
	case StateRejectedBadPayload:
		log.Warn("delivery rejected", append(fields, logging.Err(res.Err))...)
	case StateSynced:
		log.Info("delivery synced", append(fields, logging.Bool("has_new", res.HasNew))...)
	case StateAccountNotFound:
		log.Warn("no account for notification", fields...)
	default:
		log.Debug("delivery skipped", fields...)
	}
	return res
}
