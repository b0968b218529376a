package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailhook/internal/account"
	"github.com/Martian-dev/mailhook/internal/logging"
	"github.com/Martian-dev/mailhook/internal/store"
)

type capturePublisher struct {
	subjects []string
	msgIDs   []string
	payloads [][]byte
	err      error
}

func (p *capturePublisher) Publish(subject string, payload []byte, msgID string) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.msgIDs = append(p.msgIDs, msgID)
	p.payloads = append(p.payloads, payload)
	return nil
}

func openOutbox(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.DriverModernc, filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOutboxConsumerAndDispatcher(t *testing.T) {
	st := openOutbox(t)
	ctx := context.Background()
	acct := &account.Account{ID: "acct-1", OwnerUserID: "user-1", Email: "a@example.com"}

	consumer := NewOutboxConsumer(st)
	require.NoError(t, consumer.Consume(ctx, acct, "m1"))
	require.NoError(t, consumer.Consume(ctx, acct, "m1"))
	require.NoError(t, consumer.Consume(ctx, acct, "m2"))

	pub := &capturePublisher{}
	d := NewDispatcher(st, pub, logging.NewZapLogger(logging.Config{Level: logging.ErrorLevel}))

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"mailbox.acct-1.message.added", "mailbox.acct-1.message.added"}, pub.subjects)
	assert.Equal(t, []string{"message.added|acct-1|m1", "message.added|acct-1|m2"}, pub.msgIDs)

	var event MessageEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &event))
	assert.Equal(t, "m1", event.MessageID)
	assert.Equal(t, "user-1", event.OwnerID)
	assert.Equal(t, EventMessageAdded, event.Type)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcherReschedulesOnPublishFailure(t *testing.T) {
	st := openOutbox(t)
	ctx := context.Background()
	require.NoError(t, NewOutboxConsumer(st).Consume(ctx, &account.Account{ID: "acct-1"}, "m1"))

	pub := &capturePublisher{err: errors.New("broker down")}
	d := NewDispatcher(st, pub, logging.NewZapLogger(logging.Config{Level: logging.ErrorLevel}))

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// pushed into the future by the retry backoff
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogConsumer(t *testing.T) {
	c := NewLogConsumer(logging.NewZapLogger(logging.Config{Level: logging.ErrorLevel}))
	assert.NoError(t, c.Consume(context.Background(), &account.Account{ID: "a"}, "m"))
}
