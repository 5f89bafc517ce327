package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/pkg/merr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver:       DriverSQLite,
		DSN:          ":memory:",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverSQLite})
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)
}

func TestResolveDisplayName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "Alice", "+15550001")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, alice.ID)

	name, ok, err := s.ResolveDisplayName(ctx, alice.ID.String())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Alice", name)

	_, ok, err = s.ResolveDisplayName(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.ResolveDisplayName(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.ResolveDisplayName(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, merr.ErrInvalidIdentity)
}

func TestFindUserByPhone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateUser(ctx, "Bob", "+15550002")
	require.NoError(t, err)

	found, err := s.FindUserByPhone(ctx, "+15550002")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = s.FindUserByPhone(ctx, "+19999999")
	assert.ErrorIs(t, err, merr.ErrUserNotFound)

	_, err = s.CreateUser(ctx, "Bob again", "+15550002")
	assert.Error(t, err)
}

func TestRecordMessageAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordMessage(ctx, "main", "anonymous", "first", base))
	require.NoError(t, s.RecordMessage(ctx, "main", "Alice", "second", base.Add(time.Second)))
	require.NoError(t, s.RecordMessage(ctx, "lobby", "Bob", "elsewhere", base.Add(2*time.Second)))
	require.NoError(t, s.RecordMessage(ctx, "main", "Alice", "third", base.Add(3*time.Second)))

	history, err := s.History(ctx, "main", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Content)
	assert.Equal(t, "third", history[1].Content)
	assert.Equal(t, "Alice", history[1].Sender)

	all, err := s.History(ctx, "main", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	lobby, err := s.History(ctx, "lobby", 10)
	require.NoError(t, err)
	require.Len(t, lobby, 1)
	assert.Equal(t, "Bob", lobby[0].Sender)
}

func TestRecordMessageFailsAfterClose(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.RecordMessage(context.Background(), "main", "x", "y", time.Now())
	assert.ErrorIs(t, err, merr.ErrRecordFailed)
}
