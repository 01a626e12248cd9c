package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySeedAndFetch(t *testing.T) {
	m := NewMemory()
	m.Seed(ConversationRecord{ID: "c1", ParticipantIDs: []string{"a", "b"}},
		MessageRecord{ID: "m1", Timestamp: 10},
		MessageRecord{ID: "m2", Timestamp: 20},
	)
	ctx := context.Background()

	conv, err := m.FetchConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, conv.MessageIDs)

	msg, err := m.FetchMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "c1", msg.ConversationID)

	ids, err := m.FetchParticipantConversationList(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)
}

func TestMemoryNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.FetchConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.FetchMessage(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	m.Seed(ConversationRecord{ID: "c1", ParticipantIDs: []string{"a", "b"}})

	conv, err := m.FetchConversation(context.Background(), "c1")
	require.NoError(t, err)
	conv.MessageIDs = append(conv.MessageIDs, "local-only")

	again, err := m.FetchConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, again.MessageIDs)
}

func TestMemoryOffline(t *testing.T) {
	m := NewMemory()
	m.SetOffline(true)
	ctx := context.Background()

	assert.ErrorIs(t, m.Ping(ctx), ErrUnreachable)
	_, err := m.UploadPayload(ctx, "/tmp/a.m4a")
	assert.ErrorIs(t, err, ErrUnreachable)

	m.SetOffline(false)
	assert.NoError(t, m.Ping(ctx))
}

func TestMemoryHooksAndCounters(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	m.UploadHook = func(context.Context, string) error { return boom }

	_, err := m.UploadPayload(context.Background(), "/tmp/x.m4a")
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, m.UploadCount())

	m.UploadHook = nil
	url, err := m.UploadPayload(context.Background(), "/tmp/x.m4a")
	require.NoError(t, err)
	assert.Contains(t, url, "x.m4a")
}

func TestMemoryInsertMessageRejectsDuplicate(t *testing.T) {
	m := NewMemory()
	rec := &MessageRecord{ID: "m1", ConversationID: "c1"}
	require.NoError(t, m.InsertMessage(context.Background(), rec))
	assert.ErrorIs(t, m.InsertMessage(context.Background(), rec), ErrAlreadyExists)
}

func TestPromoteConversation(t *testing.T) {
	assert.Equal(t, []string{"c3", "c1", "c2"}, PromoteConversation([]string{"c1", "c2", "c3"}, "c3"))
	assert.Equal(t, []string{"c9"}, PromoteConversation(nil, "c9"))
	assert.Equal(t, []string{"c1", "c2"}, PromoteConversation([]string{"c1", "c2"}, "c1"))
}
