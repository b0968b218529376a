package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailhook/internal/account"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverModernc, filepath.Join(t.TempDir(), "mailhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	expiry := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
	acct := &account.Account{
		ID:           "acc-1",
		OwnerUserID:  "user-1",
		Email:        "a@x.com",
		AccessToken:  "at",
		RefreshToken: "rt",
		Expiry:       expiry,
	}
	require.NoError(t, s.Save(ctx, acct))

	got, err := s.GetByEmail(ctx, "A@X.com")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got.ID)
	assert.Equal(t, "rt", got.RefreshToken)
	assert.True(t, expiry.Equal(got.Expiry))
	assert.Empty(t, got.HistoryCursor)
	assert.True(t, got.WatchExpiry.IsZero())

	got.HistoryCursor = "100"
	got.StartCursor = "100"
	got.NeedsReauth = true
	require.NoError(t, s.Save(ctx, got))

	again, err := s.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "100", again.HistoryCursor)
	assert.Equal(t, "100", again.StartCursor)
	assert.True(t, again.NeedsReauth)
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, account.ErrNotFound)

	_, err = s.GetByEmail(context.Background(), "nobody@x.com")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func TestStore_EmailUnique(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Save(ctx, &account.Account{ID: "a1", Email: "a@x.com"}))
	err := s.Save(ctx, &account.Account{ID: "a2", Email: "A@x.com"})
	assert.ErrorIs(t, err, account.ErrEmailTaken)
}

func TestStore_Outbox(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.AppendOutbox(ctx, "mailbox.a1.message.added", "message.added", []byte(`{}`), "id-1"))
	require.NoError(t, s.AppendOutbox(ctx, "mailbox.a1.message.added", "message.added", []byte(`{}`), "id-1"))
	require.NoError(t, s.AppendOutbox(ctx, "mailbox.a1.message.added", "message.added", []byte(`{}`), "id-2"))

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[1].ID, time.Hour))

	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_SaveNeverRewindsCursors(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	acct := &account.Account{ID: "acc-1", Email: "a@x.com", HistoryCursor: "100", StartCursor: "100"}
	require.NoError(t, s.Save(ctx, acct))

	newer, err := s.Get(ctx, "acc-1")
	require.NoError(t, err)
	older := newer.Clone()

	newer.HistoryCursor = "110"
	require.NoError(t, s.Save(ctx, newer))

	older.HistoryCursor = "105"
	older.StartCursor = "105"
	older.AccessToken = "rotated"
	require.NoError(t, s.Save(ctx, older))
	assert.Equal(t, "110", older.HistoryCursor, "caller sees the stored cursor")
	assert.Equal(t, "100", older.StartCursor)

	got, err := s.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "110", got.HistoryCursor)
	assert.Equal(t, "100", got.StartCursor)
	assert.Equal(t, "rotated", got.AccessToken)

	for _, cursor := range []string{"99", "", "1000"} {
		got.HistoryCursor = cursor
		require.NoError(t, s.Save(ctx, got))
	}
	final, err := s.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "1000", final.HistoryCursor)
}
