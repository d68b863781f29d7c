package botspot

import (
	"context"
	"testing"

	"github.com/maxbolgarin/errm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBinder(mode RebindMode) *ChatBinder {
	return newChatBinder(newInMemoryBindingStorage(), noopLogger{}, BinderSettings{RebindMode: mode})
}

func TestChatBinderBindAndLookup(t *testing.T) {
	ctx := context.Background()
	b := newTestBinder(RebindError)

	bound, err := b.Bind(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, DefaultBindKey, bound.Key)

	_, err = b.Bind(ctx, 1, 200, "work")
	require.NoError(t, err)

	chatID, err := b.BoundChatID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), chatID)

	chatID, err = b.BoundChatID(ctx, 1, "work")
	require.NoError(t, err)
	assert.Equal(t, int64(200), chatID)

	chats, err := b.UserBoundChats(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, chats, 2)
}

func TestChatBinderRebindError(t *testing.T) {
	ctx := context.Background()
	b := newTestBinder(RebindError)

	_, err := b.Bind(ctx, 1, 100)
	require.NoError(t, err)

	_, err = b.Bind(ctx, 1, 200)
	require.Error(t, err)
	assert.True(t, errm.Is(err, ErrAlreadyBound))

	chatID, _ := b.BoundChatID(ctx, 1)
	assert.Equal(t, int64(100), chatID, "failed rebind must not change the binding")
}

func TestChatBinderRebindReplace(t *testing.T) {
	ctx := context.Background()
	b := newTestBinder(RebindReplace)

	_, err := b.Bind(ctx, 1, 100)
	require.NoError(t, err)
	_, err = b.Bind(ctx, 1, 200)
	require.NoError(t, err)

	chatID, _ := b.BoundChatID(ctx, 1)
	assert.Equal(t, int64(200), chatID)
}

func TestChatBinderRebindIgnore(t *testing.T) {
	ctx := context.Background()
	b := newTestBinder(RebindIgnore)

	_, err := b.Bind(ctx, 1, 100)
	require.NoError(t, err)

	bound, err := b.Bind(ctx, 1, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bound.ChatID, "ignore mode returns the existing binding")

	chatID, _ := b.BoundChatID(ctx, 1)
	assert.Equal(t, int64(100), chatID)
}

func TestChatBinderRebindSameChat(t *testing.T) {
	ctx := context.Background()
	b := newTestBinder(RebindError)

	_, err := b.Bind(ctx, 1, 100)
	require.NoError(t, err)
	_, err = b.Bind(ctx, 1, 100)
	assert.NoError(t, err, "rebinding the same chat is always fine")
}

func TestChatBinderUnbind(t *testing.T) {
	ctx := context.Background()
	b := newTestBinder(RebindError)

	_, err := b.Bind(ctx, 1, 100)
	require.NoError(t, err)

	require.NoError(t, b.Unbind(ctx, 1))
	_, err = b.BoundChatID(ctx, 1)
	require.Error(t, err)
	assert.True(t, errm.Is(err, ErrNotFound))

	err = b.Unbind(ctx, 1)
	require.Error(t, err, "unbinding a missing key is an error")
	assert.True(t, errm.Is(err, ErrNotFound), "missing binding must be detectable by the caller")
}

func TestChatBinderBindingStatus(t *testing.T) {
	ctx := context.Background()
	b := newTestBinder(RebindError)

	_, err := b.Bind(ctx, 1, 100)
	require.NoError(t, err)
	_, err = b.Bind(ctx, 1, 100, "notify")
	require.NoError(t, err)
	_, err = b.Bind(ctx, 2, 100, "other_user")
	require.NoError(t, err)

	keys, err := b.BindingStatus(ctx, 1, 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{DefaultBindKey, "notify"}, keys)

	keys, err = b.BindingStatus(ctx, 1, 999)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
