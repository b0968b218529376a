// Package gmail implements the change feed and watch registration on top of
// the Gmail API.
package gmail

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailhook/internal/auth"
	"github.com/Martian-dev/mailhook/internal/sync"
)

const (
	me = "me"

	historyTypeMessageAdded = "messageAdded"
	pageSize                = 500
)

// Adapter is a Gmail client bound to one account's access token.
type Adapter struct {
	svc *gmail.Service
}

// New creates an Adapter authorised with accessToken. Extra options are
// appended after the token source.
func New(ctx context.Context, accessToken string, opts ...option.ClientOption) (*Adapter, error) {
	base := []option.ClientOption{option.WithTokenSource(auth.StaticSource(accessToken))}
	svc, err := gmail.NewService(ctx, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// Factory returns a sync.FeedFactory building a fresh Adapter per call.
func Factory(opts ...option.ClientOption) sync.FeedFactory {
	return func(ctx context.Context, accessToken string) (sync.ChangeFeed, error) {
		return New(ctx, accessToken, opts...)
	}
}

// ListChanges lists message-added history after cursor, following every
// page. NewCursor is the highest historyId reported by the API.
func (a *Adapter) ListChanges(ctx context.Context, cursor string) (*sync.ChangePage, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history ID %q: %w", cursor, err)
	}

	result := &sync.ChangePage{}
	var latest uint64
	call := a.svc.Users.History.List(me).
		StartHistoryId(start).
		HistoryTypes(historyTypeMessageAdded).
		MaxResults(pageSize)

	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			if len(h.MessagesAdded) == 0 {
				continue
			}
			rec := sync.ChangeRecord{ID: strconv.FormatUint(h.Id, 10)}
			for _, added := range h.MessagesAdded {
				if added.Message != nil && added.Message.Id != "" {
					rec.AddedItemIDs = append(rec.AddedItemIDs, added.Message.Id)
				}
			}
			result.Records = append(result.Records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if latest > 0 {
		result.NewCursor = strconv.FormatUint(latest, 10)
	}
	return result, nil
}

// Watch registers a push watch on topic and returns the mailbox's current
// historyId and the watch expiry.
func (a *Adapter) Watch(ctx context.Context, topic string, labelIDs []string) (string, time.Time, error) {
	req := &gmail.WatchRequest{TopicName: topic, LabelIds: labelIDs}
	if len(labelIDs) > 0 {
		req.LabelFilterBehavior = "include"
	}

	resp, err := a.svc.Users.Watch(me, req).Context(ctx).Do()
	if err != nil {
		return "", time.Time{}, err
	}

	var expiry time.Time
	if resp.Expiration > 0 {
		expiry = time.UnixMilli(resp.Expiration)
	}
	return strconv.FormatUint(resp.HistoryId, 10), expiry, nil
}
